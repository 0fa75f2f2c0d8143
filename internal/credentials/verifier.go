package credentials

import (
	"errors"
	"path"
	"time"

	"github.com/golang-jwt/jwt/v5"
	pkgerrors "github.com/pkg/errors"
	"golang.org/x/exp/slices"

	"github.com/bigredeye/deploygate/internal/config"
)

// Claims of an OIDC identity assertion issued to a CI workload.
type Claims struct {
	Repository string `json:"repository,omitempty"`
	Ref        string `json:"ref,omitempty"`
	jwt.RegisteredClaims
}

type trustedIssuer struct {
	config.TrustedIssuer
	key interface{}
}

func (t *trustedIssuer) acceptsMethod(method jwt.SigningMethod) bool {
	switch t.key.(type) {
	case []byte:
		_, ok := method.(*jwt.SigningMethodHMAC)
		return ok
	default:
		switch method.(type) {
		case *jwt.SigningMethodRSA, *jwt.SigningMethodRSAPSS, *jwt.SigningMethodECDSA:
			return true
		}
		return false
	}
}

func (t *trustedIssuer) acceptsSubject(subject string) bool {
	if len(t.Subjects) == 0 {
		return true
	}
	for _, pattern := range t.Subjects {
		if ok, _ := path.Match(pattern, subject); ok {
			return true
		}
	}
	return false
}

// Verifier checks identity assertions against the configured trusted issuers.
type Verifier struct {
	issuers map[string]*trustedIssuer
	now     func() time.Time
}

func parseKey(issuer config.TrustedIssuer) (interface{}, error) {
	switch {
	case issuer.Secret != "" && issuer.PublicKeyPEM != "":
		return nil, pkgerrors.Errorf("issuer %s has both secret and public key", issuer.URL)
	case issuer.Secret != "":
		return []byte(issuer.Secret), nil
	case issuer.PublicKeyPEM != "":
		if key, err := jwt.ParseRSAPublicKeyFromPEM([]byte(issuer.PublicKeyPEM)); err == nil {
			return key, nil
		}
		key, err := jwt.ParseECPublicKeyFromPEM([]byte(issuer.PublicKeyPEM))
		if err != nil {
			return nil, pkgerrors.Wrapf(err, "Failed to parse public key of issuer %s", issuer.URL)
		}
		return key, nil
	default:
		return nil, pkgerrors.Errorf("issuer %s has no verification key", issuer.URL)
	}
}

func NewVerifier(issuers []config.TrustedIssuer) (*Verifier, error) {
	v := &Verifier{
		issuers: make(map[string]*trustedIssuer, len(issuers)),
		now:     time.Now,
	}
	for _, issuer := range issuers {
		if issuer.URL == "" || issuer.Audience == "" {
			return nil, pkgerrors.New("Trusted issuer needs url and audience")
		}
		key, err := parseKey(issuer)
		if err != nil {
			return nil, err
		}
		v.issuers[issuer.URL] = &trustedIssuer{TrustedIssuer: issuer, key: key}
	}
	return v, nil
}

// Verify validates signature, issuer, audience, subject and expiry of an
// assertion.
func (v *Verifier) Verify(assertion string) (*Claims, error) {
	var issuer *trustedIssuer

	claims := &Claims{}
	_, err := jwt.ParseWithClaims(assertion, claims, func(token *jwt.Token) (interface{}, error) {
		iss, _ := token.Claims.GetIssuer()
		trusted, found := v.issuers[iss]
		if !found {
			return nil, &UntrustedIssuerError{Issuer: iss, Reason: "issuer is not trusted"}
		}
		if !trusted.acceptsMethod(token.Method) {
			return nil, &UntrustedIssuerError{Issuer: iss, Reason: "unexpected signing method " + token.Method.Alg()}
		}
		issuer = trusted
		return trusted.key, nil
	},
		jwt.WithTimeFunc(v.now),
		jwt.WithExpirationRequired(),
	)

	if err != nil {
		untrusted := &UntrustedIssuerError{}
		switch {
		case errors.As(err, &untrusted):
			return nil, untrusted
		case issuer != nil && errors.Is(err, jwt.ErrTokenExpired):
			expired := &ExpiredAssertionError{Issuer: issuer.URL}
			if claims.ExpiresAt != nil {
				expired.ExpiredAt = claims.ExpiresAt.Time
			}
			return nil, expired
		case issuer != nil:
			return nil, &UntrustedIssuerError{Issuer: issuer.URL, Reason: err.Error()}
		default:
			return nil, &UntrustedIssuerError{Reason: err.Error()}
		}
	}

	if !slices.Contains(claims.Audience, issuer.Audience) {
		return nil, &UntrustedIssuerError{Issuer: issuer.URL, Reason: "audience mismatch"}
	}
	if !issuer.acceptsSubject(claims.Subject) {
		return nil, &UntrustedIssuerError{Issuer: issuer.URL, Reason: "subject " + claims.Subject + " is not allowed"}
	}

	return claims, nil
}
