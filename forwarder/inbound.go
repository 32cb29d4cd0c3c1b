// Package forwarder runs on the parent instance. Inbound bridges TCP clients
// into the enclave's VSOCK listener; Egress lets the enclave reach the
// internet through the parent, one announced target per stream.
package forwarder

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/mdlayher/vsock"
	"go.uber.org/zap"
)

// DialFunc opens the enclave side of an inbound connection.
type DialFunc func(ctx context.Context) (net.Conn, error)

// VSockDialer dials cid:port over VSOCK.
func VSockDialer(cid, port uint32) DialFunc {
	return func(ctx context.Context) (net.Conn, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return vsock.Dial(cid, port, nil)
	}
}

// Inbound accepts TCP connections and pipes each to a fresh enclave stream.
type Inbound struct {
	Dial   DialFunc
	Logger *zap.Logger
}

func NewInbound(cid, port uint32, logger *zap.Logger) *Inbound {
	return &Inbound{
		Dial:   VSockDialer(cid, port),
		Logger: logger.With(zap.String("component", "inbound"), zap.Uint32("cid", cid), zap.Uint32("port", port)),
	}
}

// Serve blocks until ctx is cancelled; the listener is closed on return.
func (in *Inbound) Serve(ctx context.Context, ln net.Listener) error {
	return serve(ctx, ln, in.Logger, in.handle)
}

func (in *Inbound) handle(ctx context.Context, client net.Conn) {
	defer client.Close()

	enclave, err := in.Dial(ctx)
	if err != nil {
		in.Logger.Error("Failed to reach enclave", zap.String("remote", client.RemoteAddr().String()), zap.Error(err))
		return
	}
	defer enclave.Close()

	pipe(ctx, client, enclave, in.Logger)
}

// serve is the accept loop shared by both directions. Transient accept
// errors are logged and retried after a short pause.
func serve(ctx context.Context, ln net.Listener, logger *zap.Logger, handle func(context.Context, net.Conn)) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	logger.Info("Forwarder listening", zap.String("address", ln.Addr().String()))
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			logger.Error("Failed to accept connection", zap.Error(err))
			select {
			case <-time.After(100 * time.Millisecond):
				continue
			case <-ctx.Done():
				return nil
			}
		}
		go handle(ctx, conn)
	}
}

// ListenVSock opens a VSOCK listener on the parent for the egress proxy.
func ListenVSock(port uint32) (net.Listener, error) {
	ln, err := vsock.Listen(port, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on vsock port %d: %v", port, err)
	}
	return ln, nil
}
