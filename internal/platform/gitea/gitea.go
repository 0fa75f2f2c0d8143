package gitea

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"sync"

	"code.gitea.io/sdk/gitea"
	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/bigredeye/deploygate/internal/config"
	"github.com/bigredeye/deploygate/internal/pipeline"
	"github.com/bigredeye/deploygate/internal/platform/base"
)

const (
	eventHeader     = "X-Gitea-Event"
	signatureHeader = "X-Gitea-Signature"
	pushEvent       = "push"
)

type pushPayload struct {
	Ref        string `json:"ref"`
	After      string `json:"after"`
	Repository struct {
		FullName string `json:"full_name"`
	} `json:"repository"`
	Pusher struct {
		Login string `json:"login"`
	} `json:"pusher"`
}

type ClientGitea struct {
	config      *config.Config
	logger      *zap.Logger
	definitions *base.Definitions

	// The SDK keeps the request context on the client.
	mu    sync.Mutex
	gitea *gitea.Client
}

func NewClient(conf *config.Config, logger *zap.Logger) (*ClientGitea, error) {
	client, err := gitea.NewClient(conf.Gitea.BaseURL,
		gitea.SetToken(conf.Gitea.Api.Token),
		gitea.SetGiteaVersion(""),
	)
	if err != nil {
		return nil, errors.Wrap(err, "Failed to create gitea client")
	}
	c := &ClientGitea{
		config: conf,
		logger: logger,
		gitea:  client,
	}
	c.definitions = base.NewDefinitions(conf.Pipelines.Project, conf.Pipelines.Path, c.getFile, logger.Named("definitions"))
	return c, nil
}

func (c *ClientGitea) Name() string {
	return "gitea"
}

func (c *ClientGitea) At(ref string) pipeline.Source {
	return c.definitions.At(ref)
}

func (c *ClientGitea) getFile(ctx context.Context, ref, file string) ([]byte, bool, error) {
	owner, repo, found := strings.Cut(c.config.Pipelines.Project, "/")
	if !found {
		return nil, false, backoff.Permanent(errors.Errorf("Invalid repository %q, expected owner/name", c.config.Pipelines.Project))
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.gitea.SetContext(ctx)
	data, resp, err := c.gitea.GetFile(owner, repo, ref, file)
	c.gitea.SetContext(context.Background())

	switch {
	case err == nil:
		return data, true, nil
	case resp == nil || resp.Response == nil:
		return nil, false, err
	case resp.StatusCode == http.StatusNotFound:
		return nil, false, nil
	case resp.StatusCode >= http.StatusInternalServerError:
		return nil, false, err
	default:
		return nil, false, backoff.Permanent(err)
	}
}

func (c *ClientGitea) ParseWebhook(r *http.Request) (*base.Push, error) {
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, errors.Wrap(err, "Failed to read webhook payload")
	}

	signature := r.Header.Get(signatureHeader)
	if c.config.Gitea.WebhookSecret == "" || signature == "" {
		return nil, &base.InvalidTokenError{}
	}
	valid, err := gitea.VerifyWebhookSignature(c.config.Gitea.WebhookSecret, signature, payload)
	if err != nil || !valid {
		return nil, &base.InvalidTokenError{}
	}

	if r.Header.Get(eventHeader) != pushEvent {
		return nil, nil
	}

	push := pushPayload{}
	if err := json.Unmarshal(payload, &push); err != nil {
		return nil, errors.Wrap(err, "Failed to parse webhook")
	}
	branch, ok := base.BranchOf(push.Ref)
	if !ok {
		return nil, nil
	}

	return &base.Push{
		Project:  push.Repository.FullName,
		Ref:      push.Ref,
		Branch:   branch,
		Commit:   push.After,
		Actor:    push.Pusher.Login,
		Pipeline: c.config.Pipelines.Branches[branch],
	}, nil
}

var _ base.Forge = &ClientGitea{}
