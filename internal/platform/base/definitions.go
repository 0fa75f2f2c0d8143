package base

import (
	"context"
	"path"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/karlseguin/ccache/v2"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	lf "github.com/bigredeye/deploygate/internal/logfield"
	"github.com/bigredeye/deploygate/internal/pipeline"
)

const (
	definitionsTTL   = time.Minute
	fetchMaxAttempts = 3
)

var extensions = []string{".yml", ".yaml", ".hcl"}

// Definitions fetches pipeline definitions from a repository directory.
// Raw files are cached per ref for a short time, variables are applied on every load.
type Definitions struct {
	logger  *zap.Logger
	project string
	dir     string
	fetch   FetchFunc
	cache   *ccache.Cache
}

func NewDefinitions(project, dir string, fetch FetchFunc, logger *zap.Logger) *Definitions {
	return &Definitions{
		logger:  logger,
		project: project,
		dir:     dir,
		fetch:   fetch,
		cache:   ccache.New(ccache.Configure().MaxSize(256)),
	}
}

func (d *Definitions) At(ref string) pipeline.Source {
	return refSource{d, ref}
}

type refSource struct {
	*Definitions
	ref string
}

type cachedFile struct {
	name string
	data []byte
}

func (s refSource) Load(ctx context.Context, name string, vars map[string]string) (*pipeline.Definition, error) {
	if err := ValidName(name); err != nil {
		return nil, err
	}

	key := s.project + "@" + s.ref + ":" + name
	item, err := s.cache.Fetch(key, definitionsTTL, func() (interface{}, error) {
		return s.load(ctx, name)
	})
	if err != nil {
		return nil, err
	}

	file := item.Value().(*cachedFile)
	format, _ := pipeline.FormatOf(file.name)
	return pipeline.Parse(name, format, file.data, vars)
}

func (s refSource) load(ctx context.Context, name string) (*cachedFile, error) {
	log := s.logger.With(lf.ProjectName(s.project), lf.Ref(s.ref), lf.Pipeline(name))

	for _, ext := range extensions {
		file := path.Join(s.dir, name+ext)
		data, found, err := s.retry(ctx, file)
		if err != nil {
			log.Error("Failed to fetch definition", zap.String("file", file), zap.Error(err))
			return nil, errors.Wrapf(err, "Failed to fetch %s", file)
		}
		if found {
			log.Info("Fetched definition", zap.String("file", file), zap.Int("size", len(data)))
			return &cachedFile{name: file, data: data}, nil
		}
	}

	return nil, errors.Errorf("Pipeline %s not found in %s at %s", name, s.project, s.ref)
}

func (s refSource) retry(ctx context.Context, file string) (data []byte, found bool, err error) {
	operation := func() error {
		var err error
		data, found, err = s.fetch(ctx, s.ref, file)
		return err
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), fetchMaxAttempts-1), ctx)
	err = backoff.RetryNotify(operation, policy, func(err error, wait time.Duration) {
		s.logger.Warn("Retrying definition fetch", zap.String("file", file), zap.Duration("wait", wait), zap.Error(err))
	})
	return data, found, err
}
