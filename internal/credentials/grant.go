package credentials

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Grant is a scoped, time-boxed credential handed to exactly one job
// invocation. It is never persisted or logged.
type Grant struct {
	JobID     string
	Subject   string
	Scopes    []string
	Token     string
	ExpiresAt time.Time
}

func (g *Grant) String() string {
	return fmt.Sprintf("grant{job=%s scopes=%v expires=%s}", g.JobID, g.Scopes, g.ExpiresAt.Format(time.RFC3339))
}

func (g *Grant) Expired(now time.Time) bool {
	return !now.Before(g.ExpiresAt)
}

// Env exposes the grant to a job process.
func (g *Grant) Env() map[string]string {
	return map[string]string{
		"DEPLOYGATE_ACCESS_TOKEN": g.Token,
		"DEPLOYGATE_TOKEN_EXPIRY": g.ExpiresAt.UTC().Format(time.RFC3339),
		"DEPLOYGATE_TOKEN_SCOPES": strings.Join(g.Scopes, ","),
	}
}

type ExchangeRequest struct {
	JobID     string
	Assertion string
	Claims    *Claims
	Scopes    []string
	TTL       time.Duration
}

// Exchanger trades a verified assertion for cloud credentials.
type Exchanger interface {
	Exchange(ctx context.Context, req *ExchangeRequest) (*Grant, error)
}

func normalizeScopes(scopes []string) []string {
	seen := make(map[string]bool, len(scopes))
	result := make([]string, 0, len(scopes))
	for _, scope := range scopes {
		scope = strings.TrimSpace(scope)
		if scope == "" || seen[scope] {
			continue
		}
		seen[scope] = true
		result = append(result, scope)
	}
	sort.Strings(result)
	return result
}
