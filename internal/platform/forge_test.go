package platform

import (
	"testing"

	"go.uber.org/zap"

	"github.com/bigredeye/deploygate/internal/config"
)

func TestNewForge(t *testing.T) {
	conf := &config.Config{}
	conf.GitLab.BaseURL = "https://gitlab.example.com"
	conf.Gitea.BaseURL = "https://gitea.example.com"

	for _, mode := range []string{ModeGitLab, ModeGitea} {
		conf.Platform.Mode = mode
		forge, err := NewForge(conf, zap.NewNop())
		if err != nil {
			t.Fatalf("Failed to create %s forge: %+v", mode, err)
		}
		if forge.Name() != mode {
			t.Fatalf("Unexpected forge %s for mode %s", forge.Name(), mode)
		}
	}

	conf.Platform.Mode = "bitbucket"
	if _, err := NewForge(conf, zap.NewNop()); err == nil {
		t.Fatalf("Expected unknown mode error")
	}
}
