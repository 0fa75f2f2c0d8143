package credentials

import (
	"context"
	"crypto/rand"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

type grantClaims struct {
	JobID  string   `json:"job"`
	Scopes []string `json:"scopes"`
	jwt.RegisteredClaims
}

// LocalExchanger mints signed grants itself. It is used when no external
// identity service is configured.
type LocalExchanger struct {
	issuer string
	key    []byte
	now    func() time.Time
}

func NewLocalExchanger(issuer string, key []byte) (*LocalExchanger, error) {
	if len(key) == 0 {
		key = make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, errors.Wrap(err, "Failed to generate signing key")
		}
	}
	return &LocalExchanger{issuer: issuer, key: key, now: time.Now}, nil
}

func (e *LocalExchanger) Exchange(ctx context.Context, req *ExchangeRequest) (*Grant, error) {
	now := e.now()
	expiresAt := now.Add(req.TTL)

	claims := grantClaims{
		JobID:  req.JobID,
		Scopes: req.Scopes,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.New().String(),
			Issuer:    e.issuer,
			Subject:   req.Claims.Subject,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(e.key)
	if err != nil {
		return nil, errors.Wrap(err, "Failed to sign grant")
	}

	return &Grant{
		JobID:     req.JobID,
		Subject:   req.Claims.Subject,
		Scopes:    req.Scopes,
		Token:     token,
		ExpiresAt: expiresAt,
	}, nil
}

// ParseGrant verifies a token minted by the exchanger.
func (e *LocalExchanger) ParseGrant(token string) (jobID string, scopes []string, err error) {
	claims := &grantClaims{}
	_, err = jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		return e.key, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(e.now))
	if err != nil {
		return "", nil, errors.Wrap(err, "Invalid grant")
	}
	return claims.JobID, claims.Scopes, nil
}
