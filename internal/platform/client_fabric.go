package platform

import (
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/bigredeye/deploygate/internal/config"
	"github.com/bigredeye/deploygate/internal/gitlab"
	"github.com/bigredeye/deploygate/internal/platform/base"
	"github.com/bigredeye/deploygate/internal/platform/gitea"
)

const (
	ModeGitLab = "gitlab"
	ModeGitea  = "gitea"
)

// NewForge builds the webhook and definitions client of the configured platform.
func NewForge(conf *config.Config, logger *zap.Logger) (base.Forge, error) {
	switch conf.Platform.Mode {
	case ModeGitLab:
		return gitlab.NewClient(conf, logger.Named("gitlab"))
	case ModeGitea:
		return gitea.NewClient(conf, logger.Named("gitea"))
	default:
		return nil, errors.Errorf("Unknown platform mode: %s", conf.Platform.Mode)
	}
}
