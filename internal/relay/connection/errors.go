package connection

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"io"
	"net"
	"syscall"

	"github.com/gorilla/websocket"
)

var (
	ErrNotConnected     = errors.New("connection: not connected")
	ErrAlreadyConnected = errors.New("connection: connect already called")
	ErrWriteQueueFull   = errors.New("connection: write queue full")
)

// IsNetworkError reports whether err is an ordinary network failure
// (timeouts, refused or reset connections, TLS handshake problems) as opposed
// to a bug or an unexpected condition.
func IsNetworkError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	for _, errno := range []syscall.Errno{
		syscall.ECONNREFUSED, syscall.ECONNRESET, syscall.ECONNABORTED,
		syscall.EHOSTUNREACH, syscall.ENETUNREACH, syscall.EPIPE, syscall.ETIMEDOUT,
	} {
		if errors.Is(err, errno) {
			return true
		}
	}

	var (
		netErr    net.Error
		dnsErr    *net.DNSError
		recordErr tls.RecordHeaderError
		verifyErr *tls.CertificateVerificationError
		authErr   x509.UnknownAuthorityError
		hostErr   x509.HostnameError
		closeErr  *websocket.CloseError
		alertErr  tls.AlertError
	)
	switch {
	case errors.As(err, &netErr) && netErr.Timeout():
		return true
	case errors.As(err, &dnsErr),
		errors.As(err, &recordErr),
		errors.As(err, &verifyErr),
		errors.As(err, &authErr),
		errors.As(err, &hostErr),
		errors.As(err, &closeErr),
		errors.As(err, &alertErr):
		return true
	case errors.Is(err, websocket.ErrBadHandshake):
		return true
	}
	return false
}
