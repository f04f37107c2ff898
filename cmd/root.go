// Package cmd contains all the commands included in the binary file.
package cmd

import (
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// NewRootCommand enables all children commands to read flags from CLI flags, environment variables prefixed with CRPC, or config.yaml (in that order).
func NewRootCommand() *cobra.Command {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")

	viper.SetEnvPrefix("CRPC")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	configPaths := []string{"/etc/crpc", "$HOME/.crpc", "."}
	for _, path := range configPaths {
		viper.AddConfigPath(path)
	}

	return &cobra.Command{
		Use:   "crpcd",
		Short: "A typed procedure server with live queries",
		Long: `A typed procedure server with live queries.

crpcd serves queries, mutations and actions over HTTP and gRPC. Every call runs through
a fixed chain of middleware stages (authentication, roles, rate limits, development-only
guards) before it reaches its handler, and queries can be subscribed to over server-sent
events or gRPC server streams.`,
		SilenceUsage: true,
	}
}
