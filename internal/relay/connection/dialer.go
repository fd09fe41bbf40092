package connection

import (
	"context"
	"crypto/tls"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

type (
	TCPDialer struct {
		Address string
		Timeout time.Duration
	}

	TLSDialer struct {
		Address string
		Config  *tls.Config
		Timeout time.Duration
	}

	// WebSocketDialer reaches a relay exposed behind an HTTP endpoint. Frames
	// travel as binary websocket messages.
	WebSocketDialer struct {
		URL       string
		TLSConfig *tls.Config
		Header    http.Header
		Timeout   time.Duration
	}
)

func (d TCPDialer) Dial(ctx context.Context) (io.ReadWriteCloser, error) {
	nd := net.Dialer{Timeout: d.Timeout}
	return nd.DialContext(ctx, "tcp", d.Address)
}

func (d TLSDialer) Dial(ctx context.Context) (io.ReadWriteCloser, error) {
	td := tls.Dialer{
		NetDialer: &net.Dialer{Timeout: d.Timeout},
		Config:    d.Config,
	}
	return td.DialContext(ctx, "tcp", d.Address)
}

func (d WebSocketDialer) Dial(ctx context.Context) (io.ReadWriteCloser, error) {
	wd := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: d.Timeout,
		TLSClientConfig:  d.TLSConfig,
	}
	conn, resp, err := wd.DialContext(ctx, d.URL, d.Header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	return NewWebSocketConn(conn), nil
}
