package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/dirsrv/replication/cmd/replicad/launcher"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func main() {
	cmd, err := newRootCommand()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() (*cobra.Command, error) {
	v := viper.New()
	v.SetEnvPrefix("REPLICAD")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	runCmd, err := launcher.NewCommand(v)
	if err != nil {
		return nil, err
	}
	rootCmd := &cobra.Command{
		Use:   "replicad",
		Short: "Multi-supplier directory replication server",
		Args:  cobra.NoArgs,
		// run is the default command
		RunE: runCmd.RunE,
	}
	rootCmd.Flags().AddFlagSet(runCmd.Flags())
	rootCmd.AddCommand(runCmd, newPrintConfigCommand())

	ctl, err := newCtlCommands()
	if err != nil {
		return nil, err
	}
	rootCmd.AddCommand(ctl...)
	return rootCmd, nil
}
