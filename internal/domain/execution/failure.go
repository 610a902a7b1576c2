package execution

// FailureType tags the cause of a node failure. Advisers filter on these tags.
type FailureType string

const (
	FailureApplication          FailureType = "APPLICATION_FAILURE"
	FailureAuthentication       FailureType = "AUTHENTICATION_FAILURE"
	FailureAuthorization        FailureType = "AUTHORIZATION_FAILURE"
	FailureConnectivity         FailureType = "CONNECTIVITY_FAILURE"
	FailureTimeout              FailureType = "TIMEOUT_FAILURE"
	FailureVerification         FailureType = "VERIFICATION_FAILURE"
	FailureDelegateProvisioning FailureType = "DELEGATE_PROVISIONING_FAILURE"
	FailurePolicyEvaluation     FailureType = "POLICY_EVALUATION_FAILURE"
	FailureInputTimeout         FailureType = "INPUT_TIMEOUT_FAILURE"
	FailureUnknown              FailureType = "UNKNOWN_FAILURE"
)

// KnownFailureTypes lists every failure tag the engine recognises.
func KnownFailureTypes() []FailureType {
	return []FailureType{
		FailureApplication, FailureAuthentication, FailureAuthorization, FailureConnectivity,
		FailureTimeout, FailureVerification, FailureDelegateProvisioning, FailurePolicyEvaluation,
		FailureInputTimeout, FailureUnknown,
	}
}

// Valid reports whether t is a known failure tag.
func (t FailureType) Valid() bool {
	for _, known := range KnownFailureTypes() {
		if t == known {
			return true
		}
	}
	return false
}

// FailureInfo describes why a node failed.
type FailureInfo struct {
	Types   []FailureType `json:"types,omitempty"`
	Message string        `json:"message,omitempty"`
}

// Intersects reports whether the failure carries any of the given tags. An
// empty filter matches every failure.
func (f FailureInfo) Intersects(filter []FailureType) bool {
	if len(filter) == 0 {
		return true
	}
	for _, want := range filter {
		for _, have := range f.Types {
			if want == have {
				return true
			}
		}
	}
	return false
}
