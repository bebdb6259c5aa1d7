package domain

import "errors"

// ErrUnsupportedProtocol is returned when a connection names a protocol
// outside the supported set.
var ErrUnsupportedProtocol = errors.New("unsupported protocol")

// Protocol identifies a wire protocol supported by the engine. The set is
// closed: resolving any other value yields no adapter.
type Protocol string

const (
	ProtocolMQTT  Protocol = "mqtt"
	ProtocolHTTP  Protocol = "http"
	ProtocolHTTPS Protocol = "https"
	ProtocolKafka Protocol = "kafka"
)

// Connection is the engine's read-only view of a connection row. Config is
// the decoded protocol-specific JSON document; sensitive values may be
// stored in encrypted form and are decrypted best-effort at dispatch time.
type Connection struct {
	ID        string
	Protocol  Protocol
	Config    map[string]any
	IsDeleted bool
}
