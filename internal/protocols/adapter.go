// Package protocols contains the wire protocol adapters the engine
// publishes through. The variant set {mqtt, http, kafka} is closed; a
// registry keyed by protocol name returns the matching adapter.
package protocols

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/iotforge/transmission-service/internal/domain"
)

// Handle is a live protocol client owned by the connection pool. Handles
// are shared across dispatches; adapters must never close a pooled handle.
type Handle interface {
	Close() error
	Healthy(ctx context.Context) bool
}

// Adapter publishes one message over one wire protocol. Adapters are
// stateless; any connection state lives in the Handle.
type Adapter interface {
	Protocol() domain.Protocol

	// ValidateConfig is a schema-and-format check only. No I/O.
	ValidateConfig(config map[string]any) error

	// Open creates a pooled handle for the given connection config.
	Open(ctx context.Context, config map[string]any) (Handle, error)

	// Publish is the one-shot path: open, use and close a transient handle.
	Publish(ctx context.Context, config map[string]any, target string, payload []byte, timeout time.Duration) Result

	// PublishPooled uses an existing handle and must not close it.
	PublishPooled(ctx context.Context, handle Handle, config map[string]any, target string, payload []byte, timeout time.Duration) Result
}

// Registry resolves adapters by protocol name.
type Registry struct {
	adapters map[domain.Protocol]Adapter
}

// NewRegistry builds the default registry with all three adapters.
func NewRegistry() *Registry {
	r := &Registry{adapters: make(map[domain.Protocol]Adapter)}
	r.Register(NewMQTTAdapter())
	r.Register(NewHTTPAdapter())
	r.Register(NewKafkaAdapter())
	return r
}

// Register adds an adapter under its protocol name.
func (r *Registry) Register(a Adapter) {
	r.adapters[a.Protocol()] = a
}

// Resolve returns the adapter for a protocol. https resolves to the HTTP
// adapter; unknown protocols return nil.
func (r *Registry) Resolve(protocol domain.Protocol) Adapter {
	if protocol == domain.ProtocolHTTPS {
		protocol = domain.ProtocolHTTP
	}
	return r.adapters[protocol]
}

// decodeConfig maps a JSON config document onto a typed per-protocol
// struct. Validation happens at this boundary; downstream code operates on
// the struct.
func decodeConfig(config map[string]any, out any) error {
	raw, err := json.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to encode connection config: %w", err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("invalid connection config: %w", err)
	}
	return nil
}
