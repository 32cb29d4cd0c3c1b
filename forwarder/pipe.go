package forwarder

import (
	"context"
	"io"
	"net"
	"time"

	"go.uber.org/zap"
)

// maxConnLifetime caps any single forwarded stream.
const maxConnLifetime = 10 * time.Minute

type closeWriter interface {
	CloseWrite() error
}

// pipe copies in both directions until both sides finish, the lifetime
// elapses or ctx is cancelled. EOF on one side half-closes the other so
// request/response protocols see a clean end of stream.
func pipe(ctx context.Context, a, b net.Conn, logger *zap.Logger) {
	deadline := time.Now().Add(maxConnLifetime)
	_ = a.SetDeadline(deadline)
	_ = b.SetDeadline(deadline)

	done := make(chan struct{}, 2)
	cp := func(dst, src net.Conn, direction string) {
		defer func() { done <- struct{}{} }()
		written, err := io.Copy(dst, src)
		logger.Debug("Copy ended",
			zap.String("direction", direction),
			zap.Int64("bytes", written),
			zap.Error(err))
		if cw, ok := dst.(closeWriter); ok {
			_ = cw.CloseWrite()
		} else {
			_ = dst.Close()
		}
	}
	go cp(b, a, "a->b")
	go cp(a, b, "b->a")

	for remaining := 2; remaining > 0; {
		select {
		case <-done:
			remaining--
		case <-ctx.Done():
			a.Close()
			b.Close()
			<-done
			<-done
			return
		}
	}
	a.Close()
	b.Close()
}
