package shared

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/mdlayher/vsock"
)

const (
	// DefaultParentCID is the CID of the instance hosting a Nitro enclave.
	DefaultParentCID  = 3
	DefaultVSockPort  = 5000
	DefaultEgressPort = 8444

	egressDialTimeout = 10 * time.Second
)

// VSockHTTPServer serves HTTP over a VSOCK listener inside the enclave.
type VSockHTTPServer struct {
	Handler      http.Handler
	Port         uint32
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration

	server *http.Server
}

// ListenAndServeVSock blocks until the server is shut down.
func (vs *VSockHTTPServer) ListenAndServeVSock(ctx context.Context) error {
	listener, err := vsock.Listen(vs.Port, nil)
	if err != nil {
		return fmt.Errorf("failed to listen on VSock port %d: %v", vs.Port, err)
	}

	vs.server = &http.Server{
		Handler:           vs.Handler,
		ReadTimeout:       vs.ReadTimeout,
		WriteTimeout:      vs.WriteTimeout,
		IdleTimeout:       vs.IdleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	return vs.server.Serve(listener)
}

func (vs *VSockHTTPServer) Shutdown(ctx context.Context) error {
	if vs.server != nil {
		return vs.server.Shutdown(ctx)
	}
	return nil
}

// DialEgress opens a VSOCK stream to the parent's egress proxy and announces
// the target "host:port". The returned conn then carries raw bytes to target.
func DialEgress(ctx context.Context, parentCID, egressPort uint32, target string) (net.Conn, error) {
	type result struct {
		conn net.Conn
		err  error
	}
	done := make(chan result, 1)
	go func() {
		conn, err := vsock.Dial(parentCID, egressPort, nil)
		done <- result{conn, err}
	}()

	var conn net.Conn
	select {
	case r := <-done:
		if r.err != nil {
			return nil, fmt.Errorf("failed to dial egress proxy %d:%d: %w", parentCID, egressPort, r.err)
		}
		conn = r.conn
	case <-ctx.Done():
		go func() {
			if r := <-done; r.conn != nil {
				r.conn.Close()
			}
		}()
		return nil, ctx.Err()
	}

	if _, err := fmt.Fprintf(conn, "%s\n", target); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to announce egress target: %w", err)
	}
	return conn, nil
}

// NewVSockHTTPClient returns an HTTP client whose every connection is tunnelled
// through the parent's egress proxy. TLS is still negotiated end to end by the
// transport, so the host only sees ciphertext.
func NewVSockHTTPClient(parentCID, egressPort uint32, timeout time.Duration) *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, _, addr string) (net.Conn, error) {
				ctx, cancel := context.WithTimeout(ctx, egressDialTimeout)
				defer cancel()
				return DialEgress(ctx, parentCID, egressPort, addr)
			},
			IdleConnTimeout:     30 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
		},
		Timeout: timeout,
	}
}
