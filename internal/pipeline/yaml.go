package pipeline

import (
	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"
)

type yamlAction struct {
	Kind      string   `yaml:"kind"`
	Command   string   `yaml:"command"`
	Artifacts []string `yaml:"artifacts"`
	Dir       string   `yaml:"dir"`
	Operation string   `yaml:"operation"`
	State     string   `yaml:"state"`
	Plan      string   `yaml:"plan"`
}

type yamlJob struct {
	ID      string            `yaml:"id"`
	Needs   []string          `yaml:"needs"`
	Gate    string            `yaml:"gate"`
	Env     map[string]string `yaml:"env"`
	Scopes  []string          `yaml:"scopes"`
	Timeout Duration          `yaml:"timeout"`
	Action  yamlAction        `yaml:"action"`
}

type yamlGate struct {
	ID        string   `yaml:"id"`
	Approvers []string `yaml:"approvers"`
	Timeout   Duration `yaml:"timeout"`
}

type yamlDefinition struct {
	Name      string            `yaml:"name"`
	Variables map[string]string `yaml:"variables"`
	Gates     []yamlGate        `yaml:"gates"`
	Jobs      []yamlJob         `yaml:"jobs"`
}

func parseYAML(name string, data []byte) (*Definition, error) {
	raw := yamlDefinition{}
	if err := yaml.UnmarshalStrict(data, &raw); err != nil {
		return nil, errors.Wrap(err, "Failed to unmarshal pipeline")
	}

	def := &Definition{
		Name:      raw.Name,
		Variables: raw.Variables,
		Gates:     make([]GateSpec, 0, len(raw.Gates)),
		Jobs:      make([]JobSpec, 0, len(raw.Jobs)),
	}
	if def.Name == "" {
		def.Name = name
	}

	for _, gate := range raw.Gates {
		def.Gates = append(def.Gates, GateSpec{
			ID:        gate.ID,
			Approvers: gate.Approvers,
			Timeout:   gate.Timeout.Duration,
		})
	}

	for _, job := range raw.Jobs {
		def.Jobs = append(def.Jobs, JobSpec{
			ID:      job.ID,
			Needs:   job.Needs,
			Gate:    job.Gate,
			Env:     job.Env,
			Scopes:  job.Scopes,
			Timeout: job.Timeout.Duration,
			Action: Action{
				Kind:      job.Action.Kind,
				Command:   job.Action.Command,
				Artifacts: job.Action.Artifacts,
				Dir:       job.Action.Dir,
				Operation: job.Action.Operation,
				State:     job.Action.State,
				Plan:      job.Action.Plan,
			},
		})
	}

	return def, nil
}
