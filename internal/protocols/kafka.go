package protocols

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/sasl"
	"github.com/segmentio/kafka-go/sasl/plain"
	"github.com/segmentio/kafka-go/sasl/scram"

	"github.com/iotforge/transmission-service/internal/domain"
)

const (
	kafkaBatchBytes   = 65536
	kafkaBatchTimeout = 20 * time.Millisecond
	kafkaAckTimeout   = 2 * time.Second
)

var (
	ErrMissingBootstrapServers = errors.New("kafka config requires bootstrap_servers")
	ErrHandleClosed            = errors.New("handle is closed")
)

type kafkaConfig struct {
	BootstrapServers any    `json:"bootstrap_servers"`
	Topic            string `json:"topic"`
	Acks             any    `json:"acks"`
	Retries          *int   `json:"retries"`
	Compression      string `json:"compression"`
	SecurityProtocol string `json:"security_protocol"`
	SASLMechanism    string `json:"sasl_mechanism"`
	SASLUsername     string `json:"sasl_username"`
	SASLPassword     string `json:"sasl_password"`
	TLSInsecure      bool   `json:"tls_insecure"`
}

// brokers accepts both a comma-separated string and a JSON array, the two
// shapes the control plane has stored over time.
func (c *kafkaConfig) brokers() []string {
	switch v := c.BootstrapServers.(type) {
	case string:
		var out []string
		for _, b := range strings.Split(v, ",") {
			if b = strings.TrimSpace(b); b != "" {
				out = append(out, b)
			}
		}
		return out
	case []any:
		var out []string
		for _, item := range v {
			if s, ok := item.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

// requiredAcks coerces the stored acks value, which may be a number, a
// numeric string or "all".
func (c *kafkaConfig) requiredAcks() kafka.RequiredAcks {
	switch v := c.Acks.(type) {
	case string:
		switch strings.ToLower(v) {
		case "0":
			return kafka.RequireNone
		case "1":
			return kafka.RequireOne
		default:
			return kafka.RequireAll
		}
	case float64:
		switch int(v) {
		case 0:
			return kafka.RequireNone
		case 1:
			return kafka.RequireOne
		default:
			return kafka.RequireAll
		}
	default:
		return kafka.RequireAll
	}
}

// retries distinguishes an absent retries key from an explicit zero. When
// the key is missing the writer retries 3 times, matching broker client
// defaults.
func (c *kafkaConfig) retries() int {
	if c.Retries == nil {
		return 3
	}
	if *c.Retries < 0 {
		return 0
	}
	return *c.Retries
}

func (c *kafkaConfig) compression() kafka.Compression {
	switch strings.ToLower(c.Compression) {
	case "gzip":
		return kafka.Gzip
	case "snappy":
		return kafka.Snappy
	case "zstd":
		return kafka.Zstd
	case "none":
		return 0
	default:
		return kafka.Lz4
	}
}

func (c *kafkaConfig) saslMechanism() (sasl.Mechanism, error) {
	switch strings.ToUpper(c.SASLMechanism) {
	case "", "PLAIN":
		if c.SASLUsername == "" {
			return nil, nil
		}
		return plain.Mechanism{Username: c.SASLUsername, Password: c.SASLPassword}, nil
	case "SCRAM-SHA-256":
		return scram.Mechanism(scram.SHA256, c.SASLUsername, c.SASLPassword)
	case "SCRAM-SHA-512":
		return scram.Mechanism(scram.SHA512, c.SASLUsername, c.SASLPassword)
	default:
		return nil, fmt.Errorf("unsupported sasl_mechanism %q", c.SASLMechanism)
	}
}

// KafkaAdapter publishes through a shared kafka-go writer. The writer keeps
// no topic of its own; the topic travels on each message so one connection
// can serve devices with different topics.
type KafkaAdapter struct{}

func NewKafkaAdapter() *KafkaAdapter { return &KafkaAdapter{} }

func (a *KafkaAdapter) Protocol() domain.Protocol { return domain.ProtocolKafka }

func (a *KafkaAdapter) ValidateConfig(config map[string]any) error {
	var cfg kafkaConfig
	if err := decodeConfig(config, &cfg); err != nil {
		return err
	}
	if len(cfg.brokers()) == 0 {
		return ErrMissingBootstrapServers
	}
	if _, err := cfg.saslMechanism(); err != nil {
		return err
	}
	return nil
}

type kafkaAck struct {
	partition int
	offset    int64
	err       error
}

type kafkaHandle struct {
	writer  *kafka.Writer
	brokers []string
	closed  atomic.Bool
}

func (h *kafkaHandle) Close() error {
	if h.closed.Swap(true) {
		return nil
	}
	return h.writer.Close()
}

// Healthy probes the first reachable broker with a plain dial. A full
// metadata round trip is not worth the cost on the health check path.
func (h *kafkaHandle) Healthy(ctx context.Context) bool {
	if h.closed.Load() {
		return false
	}
	dialer := &net.Dialer{Timeout: 3 * time.Second}
	for _, broker := range h.brokers {
		conn, err := dialer.DialContext(ctx, "tcp", broker)
		if err == nil {
			conn.Close()
			return true
		}
	}
	return false
}

func (a *KafkaAdapter) Open(_ context.Context, config map[string]any) (Handle, error) {
	var cfg kafkaConfig
	if err := decodeConfig(config, &cfg); err != nil {
		return nil, err
	}
	brokers := cfg.brokers()
	if len(brokers) == 0 {
		return nil, ErrMissingBootstrapServers
	}

	mechanism, err := cfg.saslMechanism()
	if err != nil {
		return nil, err
	}
	transport := &kafka.Transport{
		DialTimeout: 10 * time.Second,
		SASL:        mechanism,
	}
	protocol := strings.ToUpper(cfg.SecurityProtocol)
	if protocol == "SSL" || protocol == "SASL_SSL" {
		transport.TLS = &tls.Config{
			MinVersion:         tls.VersionTLS12,
			InsecureSkipVerify: cfg.TLSInsecure,
		}
	}

	writer := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Balancer:               &kafka.LeastBytes{},
		BatchBytes:             kafkaBatchBytes,
		BatchTimeout:           kafkaBatchTimeout,
		MaxAttempts:            cfg.retries() + 1,
		RequiredAcks:           cfg.requiredAcks(),
		Compression:            cfg.compression(),
		WriteTimeout:           10 * time.Second,
		AllowAutoTopicCreation: true,
		Transport:              transport,
		Completion:             completeWrites,
	}
	return &kafkaHandle{writer: writer, brokers: brokers}, nil
}

// completeWrites forwards partition assignments back to the publisher that
// attached an ack channel to the message.
func completeWrites(messages []kafka.Message, err error) {
	for _, msg := range messages {
		ch, ok := msg.WriterData.(chan kafkaAck)
		if !ok {
			continue
		}
		select {
		case ch <- kafkaAck{partition: msg.Partition, offset: msg.Offset, err: err}:
		default:
		}
	}
}

func (a *KafkaAdapter) Publish(ctx context.Context, config map[string]any, target string, payload []byte, timeout time.Duration) Result {
	start := time.Now()
	handle, err := a.Open(ctx, config)
	if err != nil {
		return failureFromError(start, err, nil)
	}
	defer handle.Close()
	return a.PublishPooled(ctx, handle, config, target, payload, timeout)
}

func (a *KafkaAdapter) PublishPooled(ctx context.Context, handle Handle, config map[string]any, target string, payload []byte, timeout time.Duration) Result {
	start := time.Now()

	h, ok := handle.(*kafkaHandle)
	if !ok {
		return failureResult(start, CodeUnexpectedError, "handle is not a kafka writer", nil)
	}
	if h.closed.Load() {
		return failureResult(start, CodeUnexpectedError, ErrHandleClosed.Error(), nil)
	}
	if target == "" {
		return failureResult(start, CodeInvalidConfig, "no topic configured", nil)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ackCh := make(chan kafkaAck, 1)
	msg := kafka.Message{
		Topic:      target,
		Value:      payload,
		Time:       time.Now(),
		WriterData: ackCh,
	}

	details := map[string]any{"topic": target}
	if err := h.writer.WriteMessages(ctx, msg); err != nil {
		code := Classify(err)
		if code == CodeUnexpectedError || code == CodeNetworkError {
			code = CodeKafkaError
		}
		return failureResult(start, code, err.Error(), details)
	}

	messageID := ""
	select {
	case ack := <-ackCh:
		if ack.err == nil {
			details["partition"] = ack.partition
			details["offset"] = ack.offset
			messageID = target + "-" + strconv.Itoa(ack.partition) + "-" + strconv.FormatInt(ack.offset, 10)
		}
	case <-time.After(kafkaAckTimeout):
	case <-ctx.Done():
	}
	return successResult(start, messageID, details)
}
