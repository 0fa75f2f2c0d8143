package config

import (
	"strconv"
	"time"

	"github.com/docker/go-units"
	"github.com/pkg/errors"

	"github.com/bigredeye/deploygate/pkg/conf"
)

type TrustedIssuer struct {
	// URL must match the assertion's iss claim exactly.
	URL      string
	Audience string
	// Subjects are path.Match patterns checked against the sub claim.
	// Empty list accepts any subject.
	Subjects []string
	// Exactly one of the keys is used: HMAC secret or PEM encoded public key.
	Secret       string
	PublicKeyPEM string `mapstructure:"publickeypem"`
}

// Reviewer maps API tokens and Telegram accounts to an approver identity.
type Reviewer struct {
	Identity   string
	Token      string
	TelegramID int64
}

type Config struct {
	Server struct {
		ListenAddress string
		Cookies       struct {
			AuthenticationKey string
			EncryptionKey     string
		}
	}

	Endpoints struct {
		HostName      string
		Login         string
		Logout        string
		OauthCallback string
	}

	Log struct {
		File       string
		MaxSizeMB  int
		MaxBackups int
		MaxAgeDays int
	}

	DataBase struct {
		Host string
		Port uint16
		User string
		Pass string
		Name string
	}

	GitLab struct {
		BaseURL     string
		WebhookKey  string
		Application struct {
			ClientID string
			Secret   string
		}
		Api struct {
			Token string
		}
	}

	Gitea struct {
		BaseURL       string
		WebhookSecret string
		Api           struct {
			Token string
		}
	}

	// Platform selects the forge sending push hooks: gitlab or gitea.
	// Reviewer login always goes through GitLab OAuth.
	Platform struct {
		Mode string
	}

	Telegram struct {
		BotToken string
		ChatID   int64
	}

	Pipelines struct {
		Dir string
		// Project and Path name a repository directory with definitions,
		// read at the pushed ref by the webhook when set.
		Project  string
		Path     string
		Branches map[string]string
	}

	Artifacts struct {
		Dir     string
		MaxSize string
	}

	Executor struct {
		Workers int64
		WorkDir string
		// SourceDir holds the terraform configurations jobs refer to by
		// relative dir. Empty means the current directory.
		SourceDir   string
		Shell       string
		Terraform   string
		OutputLimit string
	}

	Credentials struct {
		Issuers     []TrustedIssuer
		GrantTTL    time.Duration
		RenewBefore time.Duration
		Exchange    struct {
			URL      string
			RoleARN  string
			Attempts uint64
		}
		SigningKey string
	}

	Gates struct {
		DefaultTimeout time.Duration
	}

	Runs struct {
		// Retention is how long finished runs stay in memory. Zero keeps them forever.
		Retention time.Duration
	}

	Reviewers []Reviewer
}

func (c *Config) DSN() string {
	if c.DataBase.Host == "" {
		return ""
	}
	return "host=" + c.DataBase.Host +
		" port=" + strconv.Itoa(int(c.DataBase.Port)) +
		" user=" + c.DataBase.User +
		" password=" + c.DataBase.Pass +
		" dbname=" + c.DataBase.Name +
		" sslmode=disable"
}

// ArtifactMaxSize returns the per-artifact size limit in bytes, 0 for no limit.
func (c *Config) ArtifactMaxSize() (int64, error) {
	return parseSize(c.Artifacts.MaxSize)
}

// OutputLimit returns the number of stdout/stderr bytes kept per job, 0 for no limit.
func (c *Config) OutputLimit() (int64, error) {
	return parseSize(c.Executor.OutputLimit)
}

func parseSize(value string) (int64, error) {
	if value == "" {
		return 0, nil
	}
	size, err := units.RAMInBytes(value)
	if err != nil {
		return 0, errors.Wrapf(err, "Invalid size %q", value)
	}
	return size, nil
}

func defaults() map[string]interface{} {
	return map[string]interface{}{
		"server.listenaddress":          ":8080",
		"endpoints.login":               "/login",
		"endpoints.logout":              "/logout",
		"endpoints.oauthcallback":       "/oauth",
		"database.port":                 5432,
		"gitlab.baseurl":                "https://gitlab.com",
		"platform.mode":                 "gitlab",
		"pipelines.dir":                 "pipelines",
		"artifacts.maxsize":             "64MiB",
		"executor.workers":              4,
		"executor.workdir":              "work",
		"executor.shell":                "sh",
		"executor.terraform":            "terraform",
		"executor.outputlimit":          "1MiB",
		"credentials.grantttl":          "15m",
		"credentials.renewbefore":       "1m",
		"credentials.exchange.attempts": 3,
		"runs.retention":                "24h",
	}
}

func ParseConfig(path string) (*Config, error) {
	config := &Config{}
	err := conf.ParseConfig(config,
		conf.EnvPrefix("DPG"),
		conf.File(path),
		conf.Defaults(defaults()),
	)
	if err != nil {
		return nil, errors.Wrap(err, "Failed to parse config")
	}
	return config, nil
}
