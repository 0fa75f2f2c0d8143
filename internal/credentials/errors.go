package credentials

import (
	"errors"
	"fmt"
	"time"
)

type UntrustedIssuerError struct {
	Issuer string
	Reason string
}

func (e *UntrustedIssuerError) Error() string {
	if e.Issuer == "" {
		return fmt.Sprintf("untrusted identity assertion: %s", e.Reason)
	}
	return fmt.Sprintf("untrusted identity assertion from %s: %s", e.Issuer, e.Reason)
}

func IsUntrustedIssuer(err error) bool {
	untrusted := &UntrustedIssuerError{}
	return errors.As(err, &untrusted)
}

type ExpiredAssertionError struct {
	Issuer    string
	ExpiredAt time.Time
}

func (e *ExpiredAssertionError) Error() string {
	if e.ExpiredAt.IsZero() {
		return fmt.Sprintf("identity assertion from %s has expired", e.Issuer)
	}
	return fmt.Sprintf("identity assertion from %s expired at %s", e.Issuer, e.ExpiredAt.Format(time.RFC3339))
}

func IsExpiredAssertion(err error) bool {
	expired := &ExpiredAssertionError{}
	return errors.As(err, &expired)
}
