package protocols

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"
)

// Stable error codes recorded on failed transmission logs. Monitoring
// dashboards group on these, so the set changes rarely.
const (
	CodeTimeout              = "TIMEOUT"
	CodeConnectionRefused    = "CONNECTION_REFUSED"
	CodeHostNotFound         = "HOST_NOT_FOUND"
	CodeAuthenticationFailed = "AUTHENTICATION_FAILED"
	CodeSSLError             = "SSL_ERROR"
	CodeNetworkError         = "NETWORK_ERROR"
	CodePublishError         = "PUBLISH_ERROR"
	CodeKafkaError           = "KAFKA_ERROR"
	CodeInvalidConfig        = "INVALID_CONFIG"
	CodeUnexpectedError      = "UNEXPECTED_ERROR"
)

// CodeHTTPStatus returns the error code for a non-2xx HTTP response.
func CodeHTTPStatus(status int) string {
	return fmt.Sprintf("HTTP_%d", status)
}

// Classify maps a transport error onto a stable error code.
func Classify(err error) string {
	if err == nil {
		return ""
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return CodeTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return CodeTimeout
	}

	if errors.Is(err, syscall.ECONNREFUSED) {
		return CodeConnectionRefused
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return CodeHostNotFound
	}

	var unknownAuthority x509.UnknownAuthorityError
	var certInvalid x509.CertificateInvalidError
	var hostnameErr x509.HostnameError
	var recordHeader tls.RecordHeaderError
	if errors.As(err, &unknownAuthority) || errors.As(err, &certInvalid) ||
		errors.As(err, &hostnameErr) || errors.As(err, &recordHeader) {
		return CodeSSLError
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "not authorized"), strings.Contains(msg, "not authorised"),
		strings.Contains(msg, "bad user name or password"), strings.Contains(msg, "authentication"),
		strings.Contains(msg, "sasl"):
		return CodeAuthenticationFailed
	case strings.Contains(msg, "tls"), strings.Contains(msg, "certificate"):
		return CodeSSLError
	case strings.Contains(msg, "connection refused"):
		return CodeConnectionRefused
	case strings.Contains(msg, "no such host"):
		return CodeHostNotFound
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "timed out"):
		return CodeTimeout
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return CodeNetworkError
	}
	return CodeUnexpectedError
}

var sensitiveFragments = []string{"password", "token", "key", "secret", "credential", "auth"}

// Sanitize replaces error text that may embed credential material with a
// generic message. The error code still carries the failure class.
func Sanitize(message string) string {
	lower := strings.ToLower(message)
	for _, fragment := range sensitiveFragments {
		if strings.Contains(lower, fragment) {
			return "authentication or configuration error"
		}
	}
	return message
}
