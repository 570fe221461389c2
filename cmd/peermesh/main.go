package main

import (
	"fmt"
	"os"

	"github.com/moltbunker/peermesh/cmd/peermesh/commands"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "peermesh",
	Short: "PeerMesh P2P node network layer",
	Long:  "Peer handshake, capability negotiation and protocol dispatch for the PeerMesh network.",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&commands.ConfigPath, "config", "", "Path to config file (default: ~/.peermesh/config.yaml)")
}

func main() {
	rootCmd.AddCommand(commands.NewVersionCmd())
	rootCmd.AddCommand(commands.NewProtocolsCmd())
	rootCmd.AddCommand(commands.NewConfigCmd())
	rootCmd.AddCommand(commands.NewStoreCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
