package credentials

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	lf "github.com/bigredeye/deploygate/internal/logfield"
)

// Broker issues per-job credential grants from a CI identity assertion.
type Broker struct {
	verifier    *Verifier
	exchanger   Exchanger
	ttl         time.Duration
	renewBefore time.Duration
	logger      *zap.Logger
	now         func() time.Time
}

func NewBroker(verifier *Verifier, exchanger Exchanger, ttl, renewBefore time.Duration, logger *zap.Logger) *Broker {
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	if renewBefore < 0 || renewBefore >= ttl {
		renewBefore = ttl / 10
	}
	return &Broker{
		verifier:    verifier,
		exchanger:   exchanger,
		ttl:         ttl,
		renewBefore: renewBefore,
		logger:      logger,
		now:         time.Now,
	}
}

// Issue validates the assertion and returns a grant scoped to exactly the
// scopes the job declared. The grant never outlives the broker's window.
func (b *Broker) Issue(ctx context.Context, jobID, assertion string, scopes []string) (*Grant, error) {
	claims, err := b.verifier.Verify(assertion)
	if err != nil {
		b.logger.Warn("Rejected identity assertion", lf.JobID(jobID), zap.Error(err))
		return nil, err
	}

	scopes = normalizeScopes(scopes)
	grant, err := b.exchanger.Exchange(ctx, &ExchangeRequest{
		JobID:     jobID,
		Assertion: assertion,
		Claims:    claims,
		Scopes:    scopes,
		TTL:       b.ttl,
	})
	if err != nil {
		return nil, err
	}

	if limit := b.now().Add(b.ttl); grant.ExpiresAt.IsZero() || grant.ExpiresAt.After(limit) {
		grant.ExpiresAt = limit
	}
	grant.JobID = jobID
	grant.Scopes = scopes

	b.logger.Info("Issued credential grant",
		lf.JobID(jobID),
		lf.Issuer(claims.Issuer),
		lf.Subject(claims.Subject),
		zap.Strings("scopes", scopes),
		zap.Time("expires_at", grant.ExpiresAt),
	)
	return grant, nil
}

// Lease returns a per-invocation handle that re-issues the grant when it is
// about to expire.
func (b *Broker) Lease(jobID, assertion string, scopes []string) *Lease {
	return &Lease{broker: b, jobID: jobID, assertion: assertion, scopes: scopes}
}

type Lease struct {
	broker    *Broker
	jobID     string
	assertion string
	scopes    []string

	mu      sync.Mutex
	current *Grant
}

func (l *Lease) Grant(ctx context.Context) (*Grant, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.broker.now()
	if l.current != nil && now.Add(l.broker.renewBefore).Before(l.current.ExpiresAt) {
		return l.current, nil
	}

	grant, err := l.broker.Issue(ctx, l.jobID, l.assertion, l.scopes)
	if err != nil {
		return nil, err
	}
	l.current = grant
	return grant, nil
}

// Revoke drops the cached grant when the invocation ends.
func (l *Lease) Revoke() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.current = nil
}
