package domain

import "time"

// LogDirection marks whether a transmission attempt left the engine
// successfully.
type LogDirection string

const (
	LogDirectionSent   LogDirection = "sent"
	LogDirectionFailed LogDirection = "failed"
)

// LogStatus is the terminal status of one transmission attempt.
type LogStatus string

const (
	LogStatusSuccess LogStatus = "success"
	LogStatusFailed  LogStatus = "failed"
)

// TransmissionLog is one append-only record per attempt that reached a
// protocol adapter. The engine writes these and never reads them back.
type TransmissionLog struct {
	ID             string
	Timestamp      time.Time
	ProjectID      string
	DeviceID       string
	ConnectionID   string
	MessageType    string
	Direction      LogDirection
	PayloadSize    int
	MessageContent []byte
	Protocol       Protocol
	Topic          string
	Status         LogStatus
	LatencyMS      int64
	RetryCount     int
	IsSimulated    bool
	Metadata       map[string]any
}
