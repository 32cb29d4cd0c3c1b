package forwarder

import (
	"bufio"
	"context"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// echoServer upper-cases one line and closes.
func echoServer(t *testing.T) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				line, err := bufio.NewReader(c).ReadString('\n')
				if err != nil {
					return
				}
				_, _ = io.WriteString(c, strings.ToUpper(line))
			}(conn)
		}
	}()
	return ln
}

func listen(t *testing.T) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	return ln
}

func roundTrip(t *testing.T, addr, send string) string {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, time.Second)
	require.NoError(t, err)
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(5 * time.Second))
	_, err = io.WriteString(conn, send)
	require.NoError(t, err)
	out, _ := io.ReadAll(conn)
	return string(out)
}

func TestInboundBridgesToEnclave(t *testing.T) {
	enclave := echoServer(t)
	in := &Inbound{
		Dial: func(ctx context.Context) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "tcp", enclave.Addr().String())
		},
		Logger: zap.NewNop(),
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ln := listen(t)
	done := make(chan error, 1)
	go func() { done <- in.Serve(ctx, ln) }()

	require.Equal(t, "HELLO ENCLAVE\n", roundTrip(t, ln.Addr().String(), "hello enclave\n"))

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}

func TestInboundEnclaveUnavailable(t *testing.T) {
	in := &Inbound{
		Dial: func(context.Context) (net.Conn, error) {
			return nil, io.ErrClosedPipe
		},
		Logger: zap.NewNop(),
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ln := listen(t)
	go in.Serve(ctx, ln)

	require.Empty(t, roundTrip(t, ln.Addr().String(), "ping\n"))
}

func startEgress(t *testing.T, allowed []string) string {
	t.Helper()
	e := NewEgress(allowed, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	ln := listen(t)
	go e.Serve(ctx, ln)
	return ln.Addr().String()
}

func TestEgressForwardsToAnnouncedTarget(t *testing.T) {
	target := echoServer(t)
	addr := startEgress(t, nil)

	// The request line arrives in the same write as the target line.
	out := roundTrip(t, addr, target.Addr().String()+"\nthrough the parent\n")
	require.Equal(t, "THROUGH THE PARENT\n", out)
}

func TestEgressAllowList(t *testing.T) {
	target := echoServer(t)

	allowed := startEgress(t, []string{"127.0.0.1"})
	require.Equal(t, "OK\n", roundTrip(t, allowed, target.Addr().String()+"\nok\n"))

	denied := startEgress(t, []string{"api.weatherapi.com"})
	require.Empty(t, roundTrip(t, denied, target.Addr().String()+"\nok\n"))
}

func TestEgressRejectsBadTargets(t *testing.T) {
	addr := startEgress(t, nil)
	require.Empty(t, roundTrip(t, addr, "no-port-here\n"))
	require.Empty(t, roundTrip(t, addr, strings.Repeat("a", 2*maxTargetLine)+":443\n"))
}

func TestParseTarget(t *testing.T) {
	host, port, err := ParseTarget("api.weatherapi.com:443\n")
	require.NoError(t, err)
	require.Equal(t, "api.weatherapi.com", host)
	require.Equal(t, "443", port)

	host, _, err = ParseTarget("[::1]:8080")
	require.NoError(t, err)
	require.Equal(t, "::1", host)

	for _, bad := range []string{"", "  ", "host", ":443", "host:"} {
		_, _, err := ParseTarget(bad)
		require.Error(t, err, bad)
	}
}
