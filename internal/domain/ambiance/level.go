package ambiance

// Group labels attached to levels. Scoped output placement and fully
// qualified names are resolved against these labels.
const (
	GroupPipeline  = "PIPELINE"
	GroupStages    = "STAGES"
	GroupStage     = "STAGE"
	GroupStepGroup = "STEP_GROUP"
	GroupSteps     = "STEPS"
	GroupStep      = "STEP"
)

// Setup abstraction keys recognised by the accessors on Ambiance.
const (
	KeyAccountID  = "accountId"
	KeyOrgID      = "orgIdentifier"
	KeyProjectID  = "projectIdentifier"
	KeyPipelineID = "pipelineIdentifier"
)

// Level is one frame of an execution context. Levels are values and never
// change once appended.
type Level struct {
	RuntimeID  string `json:"runtimeId"`
	SetupID    string `json:"setupId"`
	Identifier string `json:"identifier,omitempty"`
	StepType   string `json:"stepType"`
	Group      string `json:"group,omitempty"`
	StartTs    int64  `json:"startTs,omitempty"`
}

func fqnGroup(group string) bool {
	switch group {
	case GroupPipeline, GroupStage, GroupStepGroup, GroupStep:
		return true
	default:
		return false
	}
}
