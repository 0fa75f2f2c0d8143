package pipeline

import (
	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/pkg/errors"
	"github.com/zclconf/go-cty/cty"
)

type hclVariable struct {
	Name    string  `hcl:"name,label"`
	Default *string `hcl:"default,optional"`
}

type hclHeader struct {
	Variables []*hclVariable `hcl:"variable,block"`
	Remain    hcl.Body       `hcl:",remain"`
}

type hclAction struct {
	Kind      string   `hcl:"kind,label"`
	Command   *string  `hcl:"command,optional"`
	Artifacts []string `hcl:"artifacts,optional"`
	Dir       *string  `hcl:"dir,optional"`
	Operation *string  `hcl:"operation,optional"`
	State     *string  `hcl:"state,optional"`
	Plan      *string  `hcl:"plan,optional"`
}

type hclJob struct {
	ID      string            `hcl:"id,label"`
	Needs   []string          `hcl:"needs,optional"`
	Gate    *string           `hcl:"gate,optional"`
	Env     map[string]string `hcl:"env,optional"`
	Scopes  []string          `hcl:"scopes,optional"`
	Timeout *string           `hcl:"timeout,optional"`
	Action  *hclAction        `hcl:"action,block"`
}

type hclGate struct {
	ID        string   `hcl:"id,label"`
	Approvers []string `hcl:"approvers"`
	Timeout   *string  `hcl:"timeout,optional"`
}

type hclBody struct {
	Name  *string    `hcl:"name,optional"`
	Gates []*hclGate `hcl:"gate,block"`
	Jobs  []*hclJob  `hcl:"job,block"`
}

func str(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}

// parseHCL decodes a definition in two passes: variable blocks first, then the
// rest of the body with var.<name> bound to defaults overridden by vars.
func parseHCL(name string, data []byte, vars map[string]string) (*Definition, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCL(data, name+".hcl")
	if diags.HasErrors() {
		return nil, errors.Wrap(diags, "Failed to parse pipeline")
	}

	header := hclHeader{}
	if diags := gohcl.DecodeBody(file.Body, nil, &header); diags.HasErrors() {
		return nil, errors.Wrap(diags, "Failed to decode pipeline variables")
	}

	defaults := make(map[string]string, len(header.Variables))
	values := make(map[string]cty.Value, len(header.Variables)+len(vars))
	for _, variable := range header.Variables {
		if variable.Default != nil {
			defaults[variable.Name] = *variable.Default
			values[variable.Name] = cty.StringVal(*variable.Default)
		}
	}
	for key, value := range vars {
		values[key] = cty.StringVal(value)
	}

	ctx := &hcl.EvalContext{
		Variables: map[string]cty.Value{
			"var": cty.ObjectVal(values),
		},
	}

	body := hclBody{}
	if diags := gohcl.DecodeBody(header.Remain, ctx, &body); diags.HasErrors() {
		return nil, errors.Wrap(diags, "Failed to decode pipeline")
	}

	def := &Definition{
		Name:      str(body.Name),
		Variables: defaults,
		Gates:     make([]GateSpec, 0, len(body.Gates)),
		Jobs:      make([]JobSpec, 0, len(body.Jobs)),
	}
	if def.Name == "" {
		def.Name = name
	}

	for _, gate := range body.Gates {
		timeout := Duration{}
		if err := timeout.parse(str(gate.Timeout)); err != nil {
			return nil, errors.Wrapf(err, "Invalid timeout of gate %s", gate.ID)
		}
		def.Gates = append(def.Gates, GateSpec{
			ID:        gate.ID,
			Approvers: gate.Approvers,
			Timeout:   timeout.Duration,
		})
	}

	for _, job := range body.Jobs {
		timeout := Duration{}
		if err := timeout.parse(str(job.Timeout)); err != nil {
			return nil, errors.Wrapf(err, "Invalid timeout of job %s", job.ID)
		}
		spec := JobSpec{
			ID:      job.ID,
			Needs:   job.Needs,
			Gate:    str(job.Gate),
			Env:     job.Env,
			Scopes:  job.Scopes,
			Timeout: timeout.Duration,
		}
		if job.Action != nil {
			spec.Action = Action{
				Kind:      job.Action.Kind,
				Command:   str(job.Action.Command),
				Artifacts: job.Action.Artifacts,
				Dir:       str(job.Action.Dir),
				Operation: str(job.Action.Operation),
				State:     str(job.Action.State),
				Plan:      str(job.Action.Plan),
			}
		}
		def.Jobs = append(def.Jobs, spec)
	}

	return def, nil
}
