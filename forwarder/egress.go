package forwarder

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	targetReadTimeout = 10 * time.Second
	targetDialTimeout = 10 * time.Second
	maxTargetLine     = 512
)

// Egress reads a "host:port\n" line from each enclave stream, dials the
// target and pipes bytes both ways. TLS stays end to end between the enclave
// and the target.
type Egress struct {
	// AllowedHosts restricts targets by hostname; empty allows any host.
	AllowedHosts []string
	Dial         func(ctx context.Context, network, addr string) (net.Conn, error)
	Logger       *zap.Logger
}

func NewEgress(allowed []string, logger *zap.Logger) *Egress {
	d := &net.Dialer{Timeout: targetDialTimeout}
	return &Egress{
		AllowedHosts: allowed,
		Dial:         d.DialContext,
		Logger:       logger.With(zap.String("component", "egress")),
	}
}

func (e *Egress) Serve(ctx context.Context, ln net.Listener) error {
	return serve(ctx, ln, e.Logger, e.handle)
}

// ParseTarget validates an announced target line.
func ParseTarget(line string) (host, port string, err error) {
	target := strings.TrimSpace(line)
	if target == "" {
		return "", "", fmt.Errorf("empty target address")
	}
	host, port, err = net.SplitHostPort(target)
	if err != nil {
		return "", "", fmt.Errorf("invalid target %q: %v", target, err)
	}
	if host == "" || port == "" {
		return "", "", fmt.Errorf("invalid target %q", target)
	}
	return host, port, nil
}

func (e *Egress) allowed(host string) bool {
	if len(e.AllowedHosts) == 0 {
		return true
	}
	for _, h := range e.AllowedHosts {
		if strings.EqualFold(h, host) {
			return true
		}
	}
	return false
}

func (e *Egress) handle(ctx context.Context, enclave net.Conn) {
	defer enclave.Close()

	_ = enclave.SetReadDeadline(time.Now().Add(targetReadTimeout))
	reader := bufio.NewReaderSize(enclave, maxTargetLine)
	line, isPrefix, err := reader.ReadLine()
	if err != nil || isPrefix {
		e.Logger.Error("Failed to read target address", zap.Bool("too_long", isPrefix), zap.Error(err))
		return
	}
	host, port, err := ParseTarget(string(line))
	if err != nil {
		e.Logger.Error("Invalid target", zap.Error(err))
		return
	}
	if !e.allowed(host) {
		e.Logger.Warn("Target not in allow list", zap.String("host", host))
		return
	}

	target := net.JoinHostPort(host, port)
	remote, err := e.Dial(ctx, "tcp", target)
	if err != nil {
		e.Logger.Error("Failed to connect to target", zap.String("target", target), zap.Error(err))
		return
	}
	defer remote.Close()

	_ = enclave.SetReadDeadline(time.Time{})

	// The reader may already hold bytes the enclave sent after the target line.
	if n := reader.Buffered(); n > 0 {
		buffered, _ := reader.Peek(n)
		if _, err := remote.Write(buffered); err != nil {
			e.Logger.Error("Failed to flush buffered bytes", zap.String("target", target), zap.Error(err))
			return
		}
	}

	e.Logger.Debug("Forwarding", zap.String("target", target))
	pipe(ctx, enclave, remote, e.Logger)
}
