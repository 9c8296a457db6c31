package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "meshkv <node_id> <port> [bootstrap_host bootstrap_port]",
	Short: "Eventually-consistent key/value mesh node",
	Long: `meshkv runs a single node of a multi-master, eventually-consistent
key/value mesh synchronized over UDP. It exposes an interactive REPL for
set/get/delete/list/status once the node is listening.`,
	Args: cobra.MatchAll(
		func(cmd *cobra.Command, args []string) error {
			if len(args) != 2 && len(args) != 4 {
				return fmt.Errorf("expected <node_id> <port> [bootstrap_host bootstrap_port], got %d args", len(args))
			}
			return nil
		},
	),
	RunE: runNode,
}

// Execute adds all child commands to the root command and sets flags
// appropriately. It exits non-zero on a fatal bind/socket error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.Flags().Bool("lan-discovery", false, "enable supplemental mDNS LAN peer discovery")
	rootCmd.Flags().String("log-level", "info", "log level: debug, info, warn, error")
	rootCmd.Flags().String("metrics-addr", "", "address to serve Prometheus metrics on (e.g. :9090); disabled if empty")
}
