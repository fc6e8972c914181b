package agui

import "fmt"

// DecodeError is returned when the stream produced more consecutive
// malformed frames than the decoder tolerates.
type DecodeError struct {
	Failures int
	Err      error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("agent stream undecodable after %d consecutive bad frames: %v", e.Failures, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// StatusError is a non-2xx response from the agent-run endpoint.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("agent run request failed: status %d", e.StatusCode)
	}
	return fmt.Sprintf("agent run request failed: status %d: %s", e.StatusCode, e.Body)
}

// RunError is a RUN_ERROR event reported by the agent.
type RunError struct {
	Message string
	Code    string
}

func (e *RunError) Error() string {
	if e.Code == "" {
		return "agent run error: " + e.Message
	}
	return fmt.Sprintf("agent run error (%s): %s", e.Code, e.Message)
}
