package health

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"net"
	"os"
	"strconv"
	"strings"
	"syscall"
)

// ErrorKind classifies a failed endpoint probe.
type ErrorKind string

const (
	KindTimeout            ErrorKind = "TIMEOUT"
	KindConnectionRefused  ErrorKind = "CONNECTION_REFUSED"
	KindConnectionReset    ErrorKind = "CONNECTION_RESET"
	KindDNSFailure         ErrorKind = "DNS_RESOLUTION_FAILED"
	KindNetworkUnreachable ErrorKind = "NETWORK_UNREACHABLE"
	KindBadGateway         ErrorKind = "BAD_GATEWAY"
	KindServiceUnavailable ErrorKind = "SERVICE_UNAVAILABLE"
	KindServerError        ErrorKind = "SERVER_ERROR"
	KindClientError        ErrorKind = "CLIENT_ERROR"
	KindSSLError           ErrorKind = "SSL_ERROR"
	KindInvalidResponse    ErrorKind = "INVALID_RESPONSE"
	KindUnknown            ErrorKind = "UNKNOWN"
)

// Severity ranks probe failures for logging and alerting.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// CheckError is a classified endpoint probe failure.
type CheckError struct {
	Kind      ErrorKind `json:"kind"`
	Message   string    `json:"message"`
	Retryable bool      `json:"retryable"`
	Severity  Severity  `json:"severity"`
}

func (e *CheckError) Error() string {
	return string(e.Kind) + ": " + e.Message
}

func newCheckError(kind ErrorKind, message string) *CheckError {
	retryable, severity := errorTraits(kind)
	return &CheckError{
		Kind:      kind,
		Message:   message,
		Retryable: retryable,
		Severity:  severity,
	}
}

func errorTraits(kind ErrorKind) (bool, Severity) {
	switch kind {
	case KindTimeout, KindConnectionRefused, KindConnectionReset,
		KindBadGateway, KindServiceUnavailable, KindServerError:
		return true, SeverityMedium
	case KindDNSFailure, KindNetworkUnreachable:
		return true, SeverityHigh
	case KindClientError:
		return false, SeverityLow
	case KindSSLError:
		return false, SeverityCritical
	default:
		return false, SeverityMedium
	}
}

// classifyStatus maps a non-2xx/3xx response status to a CheckError.
func classifyStatus(statusCode int) *CheckError {
	switch {
	case statusCode == 502:
		return newCheckError(KindBadGateway, "endpoint returned 502 Bad Gateway")
	case statusCode == 503:
		return newCheckError(KindServiceUnavailable, "endpoint returned 503 Service Unavailable")
	case statusCode >= 500:
		return newCheckError(KindServerError, "endpoint returned server error "+strconv.Itoa(statusCode))
	case statusCode >= 400:
		return newCheckError(KindClientError, "endpoint returned client error "+strconv.Itoa(statusCode))
	default:
		return newCheckError(KindInvalidResponse, "unexpected status "+strconv.Itoa(statusCode))
	}
}

// classifyTransport maps a transport-level failure to a CheckError.
func classifyTransport(err error) *CheckError {
	if err == nil {
		return nil
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return newCheckError(KindTimeout, err.Error())
	}

	var certErr *x509.UnknownAuthorityError
	var hostErr x509.HostnameError
	var certInvalidErr x509.CertificateInvalidError
	var tlsRecordErr tls.RecordHeaderError
	if errors.As(err, &certErr) || errors.As(err, &hostErr) || errors.As(err, &certInvalidErr) || errors.As(err, &tlsRecordErr) {
		return newCheckError(KindSSLError, err.Error())
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return newCheckError(KindDNSFailure, err.Error())
	}

	if errors.Is(err, syscall.ECONNREFUSED) {
		return newCheckError(KindConnectionRefused, err.Error())
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) {
		return newCheckError(KindConnectionReset, err.Error())
	}
	if errors.Is(err, syscall.ENETUNREACH) || errors.Is(err, syscall.EHOSTUNREACH) {
		return newCheckError(KindNetworkUnreachable, err.Error())
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return newCheckError(KindTimeout, err.Error())
	}

	msg := err.Error()
	switch {
	case strings.Contains(msg, "connection refused"):
		return newCheckError(KindConnectionRefused, msg)
	case strings.Contains(msg, "connection reset"):
		return newCheckError(KindConnectionReset, msg)
	case strings.Contains(msg, "no such host"):
		return newCheckError(KindDNSFailure, msg)
	case strings.Contains(msg, "network is unreachable"):
		return newCheckError(KindNetworkUnreachable, msg)
	case strings.Contains(msg, "certificate") || strings.Contains(msg, "tls:"):
		return newCheckError(KindSSLError, msg)
	}
	return newCheckError(KindUnknown, msg)
}

