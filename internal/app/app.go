// Package app builds the execution stack shared by the server and the local CLI runner.
package app

import (
	"encoding/hex"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/bigredeye/deploygate/internal/artifacts"
	"github.com/bigredeye/deploygate/internal/config"
	"github.com/bigredeye/deploygate/internal/credentials"
	"github.com/bigredeye/deploygate/internal/executor"
)

const (
	localIssuer     = "deploygate"
	readCacheBytes  = 64 << 20
	memoryStoreName = "memory"
)

func NewExecutor(conf *config.Config, logger *zap.Logger) (*executor.Executor, error) {
	limit, err := conf.OutputLimit()
	if err != nil {
		return nil, err
	}
	return executor.New(executor.Options{
		WorkDir:     conf.Executor.WorkDir,
		SourceDir:   conf.Executor.SourceDir,
		Shell:       conf.Executor.Shell,
		Terraform:   conf.Executor.Terraform,
		OutputLimit: limit,
	}, logger.Named("executor")), nil
}

// NewStore returns a disk backed artifact store, or an in-memory one when
// the artifacts directory is set to "memory".
func NewStore(conf *config.Config, logger *zap.Logger) (*artifacts.Store, error) {
	maxSize, err := conf.ArtifactMaxSize()
	if err != nil {
		return nil, err
	}
	options := []artifacts.Option{
		artifacts.WithMaxSize(maxSize),
		artifacts.WithLogger(logger.Named("artifacts")),
	}

	if conf.Artifacts.Dir == "" || conf.Artifacts.Dir == memoryStoreName {
		return artifacts.NewMemoryStore(options...), nil
	}

	backend, err := artifacts.NewDiskBackend(conf.Artifacts.Dir, readCacheBytes)
	if err != nil {
		return nil, errors.Wrap(err, "Failed to open artifacts directory")
	}
	return artifacts.NewStore(backend, options...), nil
}

// NewBroker returns nil when no trusted issuer is configured, in which case
// jobs run without credentials.
func NewBroker(conf *config.Config, logger *zap.Logger) (*credentials.Broker, error) {
	if len(conf.Credentials.Issuers) == 0 {
		return nil, nil
	}

	verifier, err := credentials.NewVerifier(conf.Credentials.Issuers)
	if err != nil {
		return nil, err
	}

	var exchanger credentials.Exchanger
	if conf.Credentials.Exchange.URL != "" {
		exchanger = credentials.NewRemoteExchanger(
			conf.Credentials.Exchange.URL,
			conf.Credentials.Exchange.RoleARN,
			conf.Credentials.Exchange.Attempts,
			logger.Named("exchange"),
		)
	} else {
		var key []byte
		if conf.Credentials.SigningKey != "" {
			key, err = hex.DecodeString(conf.Credentials.SigningKey)
			if err != nil {
				return nil, errors.Wrap(err, "Failed to decode hex signing key")
			}
		}
		exchanger, err = credentials.NewLocalExchanger(localIssuer, key)
		if err != nil {
			return nil, err
		}
	}

	return credentials.NewBroker(verifier, exchanger, conf.Credentials.GrantTTL, conf.Credentials.RenewBefore, logger.Named("credentials")), nil
}
