package protocols

import "time"

// Result is the structured outcome of one publish attempt. Adapter errors
// never propagate as Go errors past the adapter; they are folded in here.
type Result struct {
	Success   bool
	Message   string
	LatencyMS int64
	Timestamp time.Time
	MessageID string
	Details   map[string]any
	ErrorCode string
}

func successResult(start time.Time, messageID string, details map[string]any) Result {
	return Result{
		Success:   true,
		Message:   "published",
		LatencyMS: time.Since(start).Milliseconds(),
		Timestamp: time.Now().UTC(),
		MessageID: messageID,
		Details:   details,
	}
}

func failureResult(start time.Time, code, message string, details map[string]any) Result {
	return Result{
		Success:   false,
		Message:   Sanitize(message),
		LatencyMS: time.Since(start).Milliseconds(),
		Timestamp: time.Now().UTC(),
		Details:   details,
		ErrorCode: code,
	}
}

func failureFromError(start time.Time, err error, details map[string]any) Result {
	return failureResult(start, Classify(err), err.Error(), details)
}
