package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version info set via ldflags at build time.
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

// globalOpts are the flags shared by every subcommand.
type globalOpts struct {
	configPath string
	envPath    string
	jsonOut    bool
}

func newRootCmd() *cobra.Command {
	g := &globalOpts{}
	cmd := &cobra.Command{
		Use:   "ic",
		Short: "Intercom: messaging between coding agents across machines",
		Long: "Intercom routes messages between coding agents on different machines through a hub,\n" +
			"asks a human before risky requests and follows launched missions to completion.",
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVarP(&g.configPath, "config", "c", "intercom.yaml", "path to Intercom config file")
	cmd.PersistentFlags().StringVar(&g.envPath, "env", ".env", "optional .env file loaded before the config")
	cmd.PersistentFlags().BoolVar(&g.jsonOut, "json", false, "print JSON instead of tables")

	cmd.AddCommand(newVersionCmd())
	cmd.AddCommand(newServeCmds(g)...)
	cmd.AddCommand(newSendCmd(g), newAskCmd(g), newStartAgentCmd(g), newReplyCmd(g))
	cmd.AddCommand(newStatusCmd(g), newHistoryCmd(g), newStopCmd(g))
	cmd.AddCommand(newAgentsCmd(g), newMachinesCmd(g), newInboxCmd(g))
	cmd.AddCommand(newJoinCmd(g), newApproveCmd(g), newDenyCmd(g))
	cmd.AddCommand(newPolicyCmd(g))
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "ic %s (commit: %s, built: %s)\n", Version, Commit, Date)
		},
	}
}

func execute(cmd *cobra.Command) int {
	if err := cmd.Execute(); err != nil {
		return 1
	}
	return 0
}

func main() {
	os.Exit(execute(newRootCmd()))
}
