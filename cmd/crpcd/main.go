package main

import (
	"os"

	"github.com/crpcgo/crpc/cmd"
	"github.com/crpcgo/crpc/cmd/run"
)

func main() {
	rootCmd := cmd.NewRootCommand()

	runCmd := run.NewRunCommand()
	rootCmd.AddCommand(runCmd)

	versionCmd := cmd.NewVersionCommand()
	rootCmd.AddCommand(versionCmd)

	genMetaCmd := cmd.NewGenMetaCommand()
	rootCmd.AddCommand(genMetaCmd)

	validateMetaCmd := cmd.NewValidateMetaCommand()
	rootCmd.AddCommand(validateMetaCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
