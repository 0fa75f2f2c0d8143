package gitlab

import (
	"context"
	"net/http"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"github.com/xanzy/go-gitlab"
	"go.uber.org/zap"

	"github.com/bigredeye/deploygate/internal/config"
	"github.com/bigredeye/deploygate/internal/pipeline"
	"github.com/bigredeye/deploygate/internal/platform/base"
)

type Client struct {
	config      *config.Config
	gitlab      *gitlab.Client
	logger      *zap.Logger
	definitions *base.Definitions
}

func NewClient(conf *config.Config, logger *zap.Logger) (*Client, error) {
	client, err := gitlab.NewClient(conf.GitLab.Api.Token, gitlab.WithBaseURL(conf.GitLab.BaseURL))
	if err != nil {
		return nil, errors.Wrap(err, "Failed to create gitlab client")
	}
	c := &Client{
		config: conf,
		gitlab: client,
		logger: logger,
	}
	c.definitions = base.NewDefinitions(conf.Pipelines.Project, conf.Pipelines.Path, c.getRawFile, logger.Named("definitions"))
	return c, nil
}

func (c *Client) Name() string {
	return "gitlab"
}

func (c *Client) At(ref string) pipeline.Source {
	return c.definitions.At(ref)
}

func (c *Client) getRawFile(ctx context.Context, ref, file string) ([]byte, bool, error) {
	data, resp, err := c.gitlab.RepositoryFiles.GetRawFile(c.config.Pipelines.Project, file, &gitlab.GetRawFileOptions{
		Ref: gitlab.String(ref),
	}, gitlab.WithContext(ctx))

	switch {
	case err == nil:
		return data, true, nil
	case resp == nil:
		return nil, false, err
	case resp.StatusCode == http.StatusNotFound:
		return nil, false, nil
	case resp.StatusCode >= http.StatusInternalServerError:
		return nil, false, err
	default:
		return nil, false, backoff.Permanent(err)
	}
}

var _ base.Forge = &Client{}
