package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/go-orlink/orlink/pkg/cell"
	"github.com/go-orlink/orlink/pkg/config"
	"github.com/go-orlink/orlink/pkg/linktls"
	"github.com/go-orlink/orlink/pkg/logger"
	"github.com/go-orlink/orlink/pkg/statusserver"
)

func newServeCmd(configFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Accept inbound OR connections and run their channel handshakes",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configFile)
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg)
		},
	}
}

func runServe(ctx context.Context, cfg *config.Config) error {
	level, err := logger.ParseLevel(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("log level: %w", err)
	}
	log := logger.New(level, os.Stdout).Component("orlinkctl")

	deps, err := buildRelayDeps(cfg, log)
	if err != nil {
		return err
	}
	ownCerts, err := buildOwnCerts(cfg, false)
	if err != nil {
		return err
	}
	ownLinkCertDER, err := loadPEMOrDER(cfg.TLSCertFile)
	if err != nil {
		return fmt.Errorf("own link cert: %w", err)
	}
	deps.hsDeps.OwnLinkCertDER = ownLinkCertDER

	tlsCert, err := tls.LoadX509KeyPair(cfg.TLSCertFile, cfg.TLSKeyFile)
	if err != nil {
		return fmt.Errorf("loading TLS keypair: %w", err)
	}
	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{tlsCert},
		MinVersion:   tls.VersionTLS12,
	}

	listener, err := tls.Listen("tcp", cfg.ListenAddress, tlsConfig)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", cfg.ListenAddress, err)
	}
	defer listener.Close()
	fmt.Println(color.GreenString("orlinkctl: listening on %s", listener.Addr()))

	var status *statusserver.Server
	if cfg.StatusAddress != "" {
		status = statusserver.New(cfg.StatusAddress, deps.registry, deps.metrics, log)
		if err := status.Start(); err != nil {
			return fmt.Errorf("status server: %w", err)
		}
		defer status.Stop()
		fmt.Println(color.CyanString("orlinkctl: status server on %s", status.Address()))
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				log.Error("accept failed", "error", err)
				continue
			}
		}
		tlsConn, ok := conn.(*tls.Conn)
		if !ok {
			conn.Close()
			continue
		}
		go acceptConn(ctx, tlsConn, deps, ownCerts, cfg, log)
	}
}

func acceptConn(ctx context.Context, tlsConn *tls.Conn, deps *relayDeps, ownCerts []cell.CertEntry, cfg *config.Config, log *logger.Logger) {
	hsDeps := deps.hsDeps
	hsDeps.OwnCerts = ownCerts
	hsDeps.OwnIdentityDigest = deps.identity

	link, err := linktls.Accept(tlsConn, deps.registry, deps.chanDeps, hsDeps, cfg.IsPublicServer, cfg.SupportedLinkProtocols, realAddrFor(tlsConn), log)
	if err != nil {
		log.Error("accepting channel", "error", err)
		tlsConn.Close()
		return
	}
	deps.metrics.RecordChannelOpened()
	if err := link.Serve(ctx); err != nil {
		log.Warn("channel closed", "error", err)
	}
	deps.metrics.RecordChannelClosed()
}

func realAddrFor(conn net.Conn) cell.NetAddr {
	host, _, err := net.SplitHostPort(conn.LocalAddr().String())
	if err != nil {
		return cell.NetAddr{}
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return cell.NetAddr{}
	}
	if v4 := ip.To4(); v4 != nil {
		return cell.NetAddr{Type: cell.NetAddrTypeIPv4, Bytes: v4}
	}
	return cell.NetAddr{Type: cell.NetAddrTypeIPv6, Bytes: ip.To16()}
}
