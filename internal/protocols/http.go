package protocols

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/iotforge/transmission-service/internal/domain"
)

const httpBodySnippet = 512

var ErrMissingEndpointURL = errors.New("http config requires endpoint_url")

type httpConfig struct {
	EndpointURL  string            `json:"endpoint_url"`
	Method       string            `json:"method"`
	Username     string            `json:"username"`
	Password     string            `json:"password"`
	BearerToken  string            `json:"bearer_token"`
	APIKeyHeader string            `json:"api_key_header"`
	APIKeyValue  string            `json:"api_key_value"`
	Headers      map[string]string `json:"headers"`
	TLSInsecure  bool              `json:"tls_insecure"`
}

// HTTPAdapter posts payloads to an HTTP endpoint. It also serves the https
// protocol name; the scheme lives in the endpoint URL.
type HTTPAdapter struct{}

func NewHTTPAdapter() *HTTPAdapter { return &HTTPAdapter{} }

func (a *HTTPAdapter) Protocol() domain.Protocol { return domain.ProtocolHTTP }

func (a *HTTPAdapter) ValidateConfig(config map[string]any) error {
	var cfg httpConfig
	if err := decodeConfig(config, &cfg); err != nil {
		return err
	}
	if cfg.EndpointURL == "" {
		return ErrMissingEndpointURL
	}
	u, err := url.Parse(cfg.EndpointURL)
	if err != nil {
		return fmt.Errorf("invalid endpoint_url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("endpoint_url scheme must be http or https, got %q", u.Scheme)
	}
	switch strings.ToUpper(cfg.Method) {
	case "", http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodGet, http.MethodDelete:
	default:
		return fmt.Errorf("unsupported http method %q", cfg.Method)
	}
	return nil
}

type httpHandle struct {
	client *http.Client
	closed atomic.Bool
}

func (h *httpHandle) Close() error {
	h.closed.Store(true)
	h.client.CloseIdleConnections()
	return nil
}

func (h *httpHandle) Healthy(_ context.Context) bool {
	return !h.closed.Load()
}

func (a *HTTPAdapter) Open(_ context.Context, config map[string]any) (Handle, error) {
	var cfg httpConfig
	if err := decodeConfig(config, &cfg); err != nil {
		return nil, err
	}
	if cfg.EndpointURL == "" {
		return nil, ErrMissingEndpointURL
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.TLSInsecure {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	return &httpHandle{client: &http.Client{Transport: transport}}, nil
}

func (a *HTTPAdapter) Publish(ctx context.Context, config map[string]any, target string, payload []byte, timeout time.Duration) Result {
	start := time.Now()
	handle, err := a.Open(ctx, config)
	if err != nil {
		return failureFromError(start, err, nil)
	}
	defer handle.Close()
	return a.PublishPooled(ctx, handle, config, target, payload, timeout)
}

func (a *HTTPAdapter) PublishPooled(ctx context.Context, handle Handle, config map[string]any, target string, payload []byte, timeout time.Duration) Result {
	start := time.Now()

	h, ok := handle.(*httpHandle)
	if !ok {
		return failureResult(start, CodeUnexpectedError, "handle is not an http client", nil)
	}
	var cfg httpConfig
	if err := decodeConfig(config, &cfg); err != nil {
		return failureResult(start, CodeInvalidConfig, err.Error(), nil)
	}

	endpoint, err := resolveEndpoint(cfg.EndpointURL, target)
	if err != nil {
		return failureResult(start, CodeInvalidConfig, err.Error(), nil)
	}

	method := strings.ToUpper(cfg.Method)
	if method == "" {
		method = http.MethodPost
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// GET and DELETE carry no payload; the request itself is the signal.
	var body io.Reader
	if method != http.MethodGet && method != http.MethodDelete {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return failureResult(start, CodeInvalidConfig, err.Error(), nil)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range cfg.Headers {
		req.Header.Set(k, v)
	}
	switch {
	case cfg.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+cfg.BearerToken)
	case cfg.Username != "":
		req.SetBasicAuth(cfg.Username, cfg.Password)
	case cfg.APIKeyHeader != "" && cfg.APIKeyValue != "":
		req.Header.Set(cfg.APIKeyHeader, cfg.APIKeyValue)
	}

	details := map[string]any{"url": endpoint, "method": method}
	resp, err := h.client.Do(req)
	if err != nil {
		return failureFromError(start, err, details)
	}
	defer resp.Body.Close()

	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, httpBodySnippet))
	io.Copy(io.Discard, resp.Body)

	details["status_code"] = resp.StatusCode
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := fmt.Sprintf("endpoint returned %s", resp.Status)
		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
			msg = "authentication failed: " + msg
		}
		if len(snippet) > 0 {
			msg = fmt.Sprintf("%s: %s", msg, strings.TrimSpace(string(snippet)))
		}
		return failureResult(start, CodeHTTPStatus(resp.StatusCode), msg, details)
	}
	return successResult(start, "", details)
}

// resolveEndpoint applies a per-device target on top of the connection's
// endpoint. An absolute target replaces the endpoint entirely; a relative
// one is joined to the endpoint path.
func resolveEndpoint(endpoint, target string) (string, error) {
	if target == "" || target == endpoint {
		if endpoint == "" {
			return "", ErrMissingEndpointURL
		}
		return endpoint, nil
	}
	if strings.HasPrefix(target, "http://") || strings.HasPrefix(target, "https://") {
		return target, nil
	}
	base, err := url.Parse(endpoint)
	if err != nil || base.Host == "" {
		return "", fmt.Errorf("invalid endpoint_url %q", endpoint)
	}
	joined := base.JoinPath(target)
	return joined.String(), nil
}
