package credentials

import (
	"context"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

type exchangeRequest struct {
	Assertion       string   `json:"assertion"`
	RoleARN         string   `json:"role_arn,omitempty"`
	SessionName     string   `json:"session_name"`
	Scopes          []string `json:"scopes"`
	DurationSeconds int64    `json:"duration_seconds"`
}

type exchangeResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	Error     string    `json:"error,omitempty"`
}

// RemoteExchanger calls an STS-like web identity endpoint.
type RemoteExchanger struct {
	client   *resty.Client
	roleARN  string
	attempts uint64
	logger   *zap.Logger
}

func NewRemoteExchanger(url, roleARN string, attempts uint64, logger *zap.Logger) *RemoteExchanger {
	client := resty.New().
		SetBaseURL(url).
		SetTimeout(time.Second * 10)

	if attempts == 0 {
		attempts = 1
	}
	return &RemoteExchanger{
		client:   client,
		roleARN:  roleARN,
		attempts: attempts,
		logger:   logger,
	}
}

func (e *RemoteExchanger) Exchange(ctx context.Context, req *ExchangeRequest) (*Grant, error) {
	body := exchangeRequest{
		Assertion:       req.Assertion,
		RoleARN:         e.roleARN,
		SessionName:     req.JobID,
		Scopes:          req.Scopes,
		DurationSeconds: int64(req.TTL / time.Second),
	}

	var result *exchangeResponse
	operation := func() error {
		res := &exchangeResponse{}
		resp, err := e.client.R().
			SetContext(ctx).
			SetBody(body).
			SetResult(res).
			SetError(res).
			Post("")
		if err != nil {
			return err
		}

		switch {
		case resp.StatusCode() >= http.StatusInternalServerError:
			return errors.Errorf("identity service failed: %s", resp.Status())
		case resp.StatusCode() == http.StatusUnauthorized || resp.StatusCode() == http.StatusForbidden:
			return backoff.Permanent(&UntrustedIssuerError{Reason: "identity service refused assertion: " + res.Error})
		case resp.StatusCode() != http.StatusOK:
			return backoff.Permanent(errors.Errorf("identity service rejected request: %s %s", resp.Status(), res.Error))
		}

		result = res
		return nil
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), e.attempts-1), ctx)
	err := backoff.RetryNotify(operation, policy, func(err error, wait time.Duration) {
		e.logger.Warn("Credential exchange failed, retrying",
			zap.Error(err),
			zap.Duration("wait", wait),
			zap.String("session", req.JobID),
		)
	})
	if err != nil {
		return nil, errors.Wrap(err, "Failed to exchange identity assertion")
	}
	if result.Token == "" {
		return nil, errors.New("Identity service returned empty token")
	}

	return &Grant{
		JobID:     req.JobID,
		Subject:   req.Claims.Subject,
		Scopes:    req.Scopes,
		Token:     result.Token,
		ExpiresAt: result.ExpiresAt,
	}, nil
}
