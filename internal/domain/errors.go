package domain

import "fmt"

// EngineError is the unified error type for the engine.
// Each error has a numeric code and human-readable message.
type EngineError struct {
	Code    int
	Message string
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	return fmt.Sprintf("engine error %d: %s", e.Code, e.Message)
}

// NewEngineError creates a new EngineError.
func NewEngineError(code int, msg string) *EngineError {
	return &EngineError{Code: code, Message: msg}
}

// WrapEngineError creates an EngineError that includes a cause.
func WrapEngineError(code int, msg string, cause error) *EngineError {
	return &EngineError{Code: code, Message: fmt.Sprintf("%s: %v", msg, cause)}
}

// ---- Engine / FSM errors (-32010 to -32039) ----

var (
	ErrInvalidTransition    = &EngineError{Code: -32010, Message: "invalid phase transition"}
	ErrSessionNotFound      = &EngineError{Code: -32011, Message: "session not found"}
	ErrSessionComplete      = &EngineError{Code: -32012, Message: "session already complete"}
	ErrEmptyRequirement     = &EngineError{Code: -32013, Message: "requirement text is empty"}
	ErrQuestionNotFound     = &EngineError{Code: -32014, Message: "question not found in session"}
	ErrQuestionsUnresolved  = &EngineError{Code: -32015, Message: "open questions remain; answer or skip them first"}
	ErrFeedbackLimit        = &EngineError{Code: -32016, Message: "feedback iteration limit reached"}
	ErrEmptyAnswer          = &EngineError{Code: -32017, Message: "answer text is empty"}
	ErrEmptyFeedback        = &EngineError{Code: -32018, Message: "feedback text is empty"}
	ErrDuplicateSession     = &EngineError{Code: -32019, Message: "session already exists"}
	ErrWrongPhase           = &EngineError{Code: -32020, Message: "operation not allowed in current phase"}
	ErrSessionNotComplete   = &EngineError{Code: -32021, Message: "session is not complete"}
	ErrInvalidWorkflowType  = &EngineError{Code: -32022, Message: "unknown workflow type"}
	ErrInvalidGeneration    = &EngineError{Code: -32023, Message: "unknown generation type"}
	ErrProjectKeyRequired   = &EngineError{Code: -32024, Message: "project key required for existing-project workflow"}
	ErrEmptyPersona         = &EngineError{Code: -32025, Message: "persona text is empty"}
	ErrPersonaOverridden    = &EngineError{Code: -32026, Message: "persona has already been overridden"}
)

// ---- Tracker errors (-32070 to -32099) ----

var (
	ErrTrackerUnavailable = &EngineError{Code: -32070, Message: "issue tracker is not configured"}
	ErrProjectNotAllowed  = &EngineError{Code: -32071, Message: "project is not in the allowed list"}
	ErrTrackerRequest     = &EngineError{Code: -32072, Message: "issue tracker request failed"}
)

// ---- Store / Config errors (-32130 to -32159) ----

var (
	ErrStoreInit        = &EngineError{Code: -32130, Message: "failed to initialize store"}
	ErrStoreQuery       = &EngineError{Code: -32131, Message: "store query failed"}
	ErrStoreWrite       = &EngineError{Code: -32132, Message: "store write failed"}
	ErrStateCorrupt     = &EngineError{Code: -32133, Message: "persisted session state failed to decode"}
	ErrConfigInvalid    = &EngineError{Code: -32136, Message: "invalid configuration"}
	ErrMissingLLMClient = &EngineError{Code: -32137, Message: "language model client is required"}
	ErrDuplicateEvent   = &EngineError{Code: -32138, Message: "duplicate event sequence number"}
)
