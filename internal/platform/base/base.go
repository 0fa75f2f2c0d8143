package base

import (
	"context"
	"net/http"
	"strings"

	"github.com/pkg/errors"

	"github.com/bigredeye/deploygate/internal/pipeline"
)

const BranchRef = "refs/heads/"

// Push is a branch update reported by a forge webhook.
type Push struct {
	Project string
	Ref     string
	Branch  string
	Commit  string
	Actor   string
	// Pipeline is the definition mapped to the branch, empty when none is.
	Pipeline string
}

// Forge is a code hosting platform that triggers runs and stores definitions.
type Forge interface {
	Name() string
	// ParseWebhook authenticates and decodes a push hook. Other events and
	// tag pushes yield a nil push.
	ParseWebhook(r *http.Request) (*Push, error)
	// At returns a source reading definitions at the given ref.
	At(ref string) pipeline.Source
}

type InvalidTokenError struct{}

func (e *InvalidTokenError) Error() string {
	return "invalid webhook token"
}

func IsInvalidToken(err error) bool {
	var target *InvalidTokenError
	return errors.As(err, &target)
}

// BranchOf returns the branch name of a ref, false for tags and other refs.
func BranchOf(ref string) (string, bool) {
	if !strings.HasPrefix(ref, BranchRef) {
		return "", false
	}
	return strings.TrimPrefix(ref, BranchRef), true
}

// ValidName rejects pipeline names that could escape the definitions directory.
func ValidName(name string) error {
	if name == "" || strings.ContainsAny(name, `/\`) || strings.HasPrefix(name, ".") {
		return errors.Errorf("Invalid pipeline name %q", name)
	}
	return nil
}

// FetchFunc reads a repository file at a ref. A missing file yields found == false.
// Errors wrapped with backoff.Permanent are not retried.
type FetchFunc func(ctx context.Context, ref, file string) (data []byte, found bool, err error)
