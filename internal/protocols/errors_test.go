package protocols

import (
	"context"
	"errors"
	"net"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	scenarios := []struct {
		name     string
		err      error
		expected string
	}{
		{name: "nil", err: nil, expected: ""},
		{name: "deadline", err: context.DeadlineExceeded, expected: CodeTimeout},
		{name: "wrapped deadline", err: errors.Join(errors.New("publish"), context.DeadlineExceeded), expected: CodeTimeout},
		{name: "refused", err: &net.OpError{Op: "dial", Err: syscall.ECONNREFUSED}, expected: CodeConnectionRefused},
		{name: "dns", err: &net.DNSError{Err: "no such host", Name: "broker.invalid"}, expected: CodeHostNotFound},
		{name: "mqtt auth", err: errors.New("connection refused: not Authorized"), expected: CodeAuthenticationFailed},
		{name: "bad credentials", err: errors.New("bad user name or password"), expected: CodeAuthenticationFailed},
		{name: "sasl", err: errors.New("SASL handshake failed"), expected: CodeAuthenticationFailed},
		{name: "tls text", err: errors.New("tls: handshake failure"), expected: CodeSSLError},
		{name: "net op error", err: &net.OpError{Op: "write", Err: errors.New("broken pipe")}, expected: CodeNetworkError},
		{name: "unknown", err: errors.New("something else"), expected: CodeUnexpectedError},
	}

	for _, scenario := range scenarios {
		t.Run(scenario.name, func(t *testing.T) {
			assert.Equal(t, scenario.expected, Classify(scenario.err))
		})
	}
}

func TestSanitizeRedactsCredentialText(t *testing.T) {
	assert.Equal(t, "authentication or configuration error", Sanitize("invalid password for user admin"))
	assert.Equal(t, "authentication or configuration error", Sanitize("expired Token"))
	assert.Equal(t, "authentication or configuration error", Sanitize("bad API Key"))
	assert.Equal(t, "connection reset by peer", Sanitize("connection reset by peer"))
}

func TestCodeHTTPStatus(t *testing.T) {
	assert.Equal(t, "HTTP_503", CodeHTTPStatus(503))
}
