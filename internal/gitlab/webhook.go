package gitlab

import (
	"crypto/subtle"
	"io"
	"net/http"

	"github.com/pkg/errors"
	"github.com/xanzy/go-gitlab"

	"github.com/bigredeye/deploygate/internal/platform/base"
)

const tokenHeader = "X-Gitlab-Token"

func (c *Client) ParseWebhook(r *http.Request) (*base.Push, error) {
	token := r.Header.Get(tokenHeader)
	if c.config.GitLab.WebhookKey == "" || subtle.ConstantTimeCompare([]byte(token), []byte(c.config.GitLab.WebhookKey)) != 1 {
		return nil, &base.InvalidTokenError{}
	}

	payload, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, errors.Wrap(err, "Failed to read webhook payload")
	}

	eventType := gitlab.HookEventType(r)
	if eventType != gitlab.EventTypePush {
		return nil, nil
	}

	event, err := gitlab.ParseWebhook(eventType, payload)
	if err != nil {
		return nil, errors.Wrap(err, "Failed to parse webhook")
	}
	push, ok := event.(*gitlab.PushEvent)
	if !ok {
		return nil, nil
	}
	branch, ok := base.BranchOf(push.Ref)
	if !ok {
		return nil, nil
	}

	return &base.Push{
		Project:  push.Project.PathWithNamespace,
		Ref:      push.Ref,
		Branch:   branch,
		Commit:   push.CheckoutSHA,
		Actor:    push.UserUsername,
		Pipeline: c.config.Pipelines.Branches[branch],
	}, nil
}
