package executor

import (
	"os"
	"sort"

	"golang.org/x/exp/maps"
)

// Environment is the explicit set of variables a job sees: the run's trigger
// variables overlaid with the job's own env, whose values may reference run
// variables as ${name}.
type Environment struct {
	vars map[string]string
}

func NewEnvironment(runVars, jobEnv map[string]string) Environment {
	vars := make(map[string]string, len(runVars)+len(jobEnv))
	for key, value := range runVars {
		vars[key] = value
	}
	for key, value := range jobEnv {
		vars[key] = os.Expand(value, func(name string) string {
			return runVars[name]
		})
	}
	return Environment{vars: vars}
}

func (e Environment) Get(key string) (string, bool) {
	value, ok := e.vars[key]
	return value, ok
}

func (e Environment) Map() map[string]string {
	return maps.Clone(e.vars)
}

// List renders the environment as KEY=VALUE pairs in key order.
func (e Environment) List() []string {
	keys := maps.Keys(e.vars)
	sort.Strings(keys)

	result := make([]string, 0, len(keys))
	for _, key := range keys {
		result = append(result, key+"="+e.vars[key])
	}
	return result
}
