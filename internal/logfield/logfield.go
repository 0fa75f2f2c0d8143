package lf

import "go.uber.org/zap"

const (
	FieldModule       = "module"
	FieldRunID        = "run_id"
	FieldPipeline     = "pipeline"
	FieldJobID        = "job_id"
	FieldJobStatus    = "job_status"
	FieldGateID       = "gate_id"
	FieldActor        = "actor"
	FieldDecision     = "decision"
	FieldArtifactName = "artifact_name"
	FieldAction       = "action"
	FieldRef          = "ref"
	FieldIssuer       = "issuer"
	FieldSubject      = "subject"
	FieldProjectName  = "project_name"
)

func Module(module string) zap.Field {
	return zap.String(FieldModule, module)
}

func RunID(id string) zap.Field {
	return zap.String(FieldRunID, id)
}

func Pipeline(name string) zap.Field {
	return zap.String(FieldPipeline, name)
}

func JobID(id string) zap.Field {
	return zap.String(FieldJobID, id)
}

func JobStatus(status string) zap.Field {
	return zap.String(FieldJobStatus, status)
}

func GateID(id string) zap.Field {
	return zap.String(FieldGateID, id)
}

func Actor(actor string) zap.Field {
	return zap.String(FieldActor, actor)
}

func Decision(decision string) zap.Field {
	return zap.String(FieldDecision, decision)
}

func ArtifactName(name string) zap.Field {
	return zap.String(FieldArtifactName, name)
}

func Action(kind string) zap.Field {
	return zap.String(FieldAction, kind)
}

func Ref(ref string) zap.Field {
	return zap.String(FieldRef, ref)
}

func Issuer(issuer string) zap.Field {
	return zap.String(FieldIssuer, issuer)
}

func Subject(subject string) zap.Field {
	return zap.String(FieldSubject, subject)
}

func ProjectName(name string) zap.Field {
	return zap.String(FieldProjectName, name)
}
