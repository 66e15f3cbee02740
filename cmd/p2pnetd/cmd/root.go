// Package cmd holds the p2pnetd cobra commands.
package cmd

import (
	"github.com/spf13/cobra"
)

// NewRootCommand builds the p2pnetd command tree.
func NewRootCommand() *cobra.Command {
	var cfgFile string

	root := &cobra.Command{
		Use:   "p2pnetd",
		Short: "libp2p network daemon",
		Long: `p2pnetd runs a libp2p node behind a network controller. The controller can
switch networking on and off, list and disconnect peers, and manage the ban
list over an HTTP API. Prometheus metrics are served on /metrics.`,
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML); P2PNET_* environment variables override it")

	root.AddCommand(newRunCommand(&cfgFile))
	root.AddCommand(newConfigCommand(&cfgFile))

	return root
}

// Execute runs the root command with the process arguments.
func Execute() error {
	return NewRootCommand().Execute()
}
