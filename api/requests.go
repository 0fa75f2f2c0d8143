package api

type TriggerRequest struct {
	Pipeline  string            `json:"pipeline" form:"pipeline"`
	Ref       string            `json:"ref" form:"ref"`
	Variables map[string]string `json:"variables" form:"variables"`
	// Assertion is the CI identity token exchanged for per-job credentials.
	Assertion string `json:"assertion,omitempty" form:"assertion"`
}

type RunResponse struct {
	Status
	Run *Run `json:"run,omitempty"`
}

type RunsResponse struct {
	Status
	Runs []*Run `json:"runs"`
}

type GateResponse struct {
	Status
	Gate *Gate `json:"gate,omitempty"`
}

type HookResponse struct {
	Status
	// Run is empty when the event did not map to a pipeline.
	Run *Run `json:"run,omitempty"`
}
