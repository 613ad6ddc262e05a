package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/go-orlink/orlink/pkg/cell"
	"github.com/go-orlink/orlink/pkg/config"
	"github.com/go-orlink/orlink/pkg/connection"
	"github.com/go-orlink/orlink/pkg/errors"
	"github.com/go-orlink/orlink/pkg/linktls"
	"github.com/go-orlink/orlink/pkg/logger"
)

func newDialCmd(configFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "dial <address> [fingerprint]",
		Short: "Open an outbound OR channel to address and hold it open",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configFile)
			if err != nil {
				return err
			}
			fingerprint := ""
			if len(args) == 2 {
				fingerprint = args[1]
			}
			return runDial(cmd.Context(), cfg, args[0], fingerprint)
		},
	}
}

func runDial(ctx context.Context, cfg *config.Config, address, fingerprint string) error {
	level, err := logger.ParseLevel(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("log level: %w", err)
	}
	log := logger.New(level, os.Stdout).Component("orlinkctl")

	deps, err := buildRelayDeps(cfg, log)
	if err != nil {
		return err
	}
	ownCerts, err := buildOwnCerts(cfg, true)
	if err != nil {
		return err
	}
	deps.hsDeps.OwnCerts = ownCerts
	deps.hsDeps.OwnIdentityDigest = deps.identity

	connCfg := connection.DefaultConfig(address)
	connCfg.Timeout = cfg.DialTimeout
	connCfg.LinkProtocolV4 = true
	connCfg.ExpectedFingerprint = fingerprint

	// One quick local retry under the raw TCP/TLS connect itself; the
	// circuit breaker below governs whether to retry the dial+handshake
	// as a whole, so this inner layer stays short rather than compounding.
	retryCfg := &connection.RetryConfig{
		MaxAttempts:       1,
		InitialBackoff:    500 * time.Millisecond,
		MaxBackoff:        2 * time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            true,
	}

	breaker := errors.NewCircuitBreaker(errors.DefaultCircuitBreakerConfig())
	var link *linktls.Link
	dialErr := breaker.ExecuteWithRetry(ctx, errors.DefaultRetryPolicy(), func() error {
		l, err := linktls.Dial(ctx, deps.registry, deps.chanDeps, connCfg, retryCfg, deps.hsDeps, cfg.IsPublicServer, cfg.SupportedLinkProtocols, cell.NetAddr{}, log)
		if err != nil {
			return errors.ConnectionError(fmt.Sprintf("dialing %s", address), err)
		}
		link = l
		return nil
	})
	if dialErr != nil {
		return fmt.Errorf("dialing %s: %w", address, dialErr)
	}
	deps.metrics.RecordChannelOpened()
	fmt.Println(color.GreenString("orlinkctl: dialing %s", address))

	done := make(chan error, 1)
	go func() { done <- link.Serve(ctx) }()

	select {
	case <-ctx.Done():
		_ = link.Close()
		return nil
	case err := <-done:
		deps.metrics.RecordChannelClosed()
		if err != nil {
			return fmt.Errorf("channel closed: %w", err)
		}
		return nil
	}
}
