package relay

import "fmt"

// SignatureError rejects a webhook delivery whose signature did not verify.
type SignatureError struct {
	Reason string
}

func (e *SignatureError) Error() string {
	if e.Reason == "" {
		return "webhook signature verification failed"
	}
	return "webhook signature verification failed: " + e.Reason
}

// DispatchError is an agent run that failed after the user was told.
type DispatchError struct {
	Key   string
	RunID string
	Err   error
}

func (e *DispatchError) Error() string {
	if e.RunID == "" {
		return fmt.Sprintf("dispatch for %s failed: %v", e.Key, e.Err)
	}
	return fmt.Sprintf("dispatch for %s (run %s) failed: %v", e.Key, e.RunID, e.Err)
}

func (e *DispatchError) Unwrap() error {
	return e.Err
}

// OutboundError is a send that kept failing until retries ran out.
type OutboundError struct {
	Purpose  string
	Attempts int
	Err      error
}

func (e *OutboundError) Error() string {
	return fmt.Sprintf("outbound %s failed after %d attempt(s): %v", e.Purpose, e.Attempts, e.Err)
}

func (e *OutboundError) Unwrap() error {
	return e.Err
}

// Purposes tag outbound text in metrics and logs.
const (
	PurposeReply   = "reply"
	PurposeCommand = "command"
	PurposeError   = "error"
)
