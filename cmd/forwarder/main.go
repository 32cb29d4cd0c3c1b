package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Stealth-AI-data-infra/nautilus-ai/forwarder"
	"github.com/Stealth-AI-data-infra/nautilus-ai/shared"
)

var flags = []cli.Flag{
	&cli.StringFlag{
		Name:    "listen-addr",
		Value:   "0.0.0.0:3000",
		Usage:   "TCP address exposed to clients",
		EnvVars: []string{"FORWARDER_LISTEN_ADDR"},
	},
	&cli.UintFlag{
		Name:     "enclave-cid",
		Usage:    "CID of the running enclave",
		EnvVars:  []string{"ENCLAVE_CID"},
		Required: true,
	},
	&cli.UintFlag{
		Name:    "enclave-port",
		Value:   shared.DefaultVSockPort,
		Usage:   "VSOCK port the enclave API listens on",
		EnvVars: []string{"VSOCK_PORT"},
	},
	&cli.UintFlag{
		Name:    "egress-port",
		Value:   shared.DefaultEgressPort,
		Usage:   "VSOCK port for enclave egress; 0 disables the egress proxy",
		EnvVars: []string{"EGRESS_PORT"},
	},
	&cli.StringSliceFlag{
		Name:    "allow-host",
		Usage:   "hostname the enclave may reach; repeat for more, omit to allow any",
		EnvVars: []string{"EGRESS_ALLOWED_HOSTS"},
	},
	&cli.BoolFlag{
		Name:  "log-debug",
		Value: false,
		Usage: "log debug messages",
	},
}

func main() {
	app := &cli.App{
		Name:   "forwarder",
		Usage:  "Bridge TCP clients into the enclave and proxy its outbound connections",
		Flags:  flags,
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cCtx *cli.Context) error {
	logger, err := shared.NewLogger(shared.LoggerConfig{
		ServiceName: "forwarder",
		Development: cCtx.Bool("log-debug"),
	})
	if err != nil {
		return err
	}
	defer logger.Close()

	ctx, stop := signal.NotifyContext(cCtx.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cid := uint32(cCtx.Uint("enclave-cid"))
	port := uint32(cCtx.Uint("enclave-port"))
	egressPort := uint32(cCtx.Uint("egress-port"))

	ln, err := net.Listen("tcp", cCtx.String("listen-addr"))
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", cCtx.String("listen-addr"), err)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return forwarder.NewInbound(cid, port, logger.Logger).Serve(ctx, ln)
	})

	if egressPort != 0 {
		egressLn, err := forwarder.ListenVSock(egressPort)
		if err != nil {
			ln.Close()
			return err
		}
		egress := forwarder.NewEgress(cCtx.StringSlice("allow-host"), logger.Logger)
		g.Go(func() error {
			return egress.Serve(ctx, egressLn)
		})
	}

	logger.Info("Forwarder started",
		zap.Uint32("enclave_cid", cid),
		zap.Uint32("enclave_port", port),
		zap.Uint32("egress_port", egressPort))

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("Forwarder stopped")
	return nil
}
