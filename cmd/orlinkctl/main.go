// Command orlinkctl runs and inspects an OR link channel-layer relay: the
// TLS listener, VERSIONS/CERTS/AUTH handshake, and channel registry, with no
// circuit multiplexer above it (see pkg/collab.CircuitLayer). Replaces
// cmd/tor-client's flag-based entry point with cobra subcommands and
// viper-layered configuration, the way a larger relay binary is typically
// organized.
package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var (
	version   = "0.1.0-dev"
	buildTime = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, color.RedString("error: %v", err))
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configFile string

	root := &cobra.Command{
		Use:     "orlinkctl",
		Short:   "Run and inspect an OR link channel-layer relay",
		Version: fmt.Sprintf("%s (built %s)", version, buildTime),
	}
	root.PersistentFlags().StringVar(&configFile, "config", "", "path to orlink.yaml (default: ./orlink.yaml or /etc/orlink/orlink.yaml)")

	root.AddCommand(newServeCmd(&configFile))
	root.AddCommand(newDialCmd(&configFile))
	root.AddCommand(newChannelsCmd())
	return root
}
