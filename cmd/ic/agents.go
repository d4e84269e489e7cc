package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/zulandar/intercom/internal/daemon"
)

func newAgentsCmd(g *globalOpts) *cobra.Command {
	var filter, machine string
	cmd := &cobra.Command{
		Use:   "agents",
		Short: "List agents known to the hub",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			switch filter {
			case "all", "online", "offline":
			default:
				return fmt.Errorf("--filter must be all, online or offline")
			}
			client, _, err := hubClient(g)
			if err != nil {
				return err
			}
			agents, err := client.ListAgents(cmd.Context(), filter, machine)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if wantJSON(cmd, g) {
				return writeJSON(out, agents)
			}
			if len(agents) == 0 {
				fmt.Fprintln(out, "No agents.")
				return nil
			}
			w := newTable(out)
			fmt.Fprintln(w, "ADDRESS\tSTATUS\tCAPABILITIES\tDESCRIPTION")
			for _, a := range agents {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", a.Address, a.MachineStatus,
					orDash(strings.Join(a.Capabilities, ",")), orDash(a.Description))
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&filter, "filter", "all", "machine status: all, online or offline")
	cmd.Flags().StringVar(&machine, "machine", "", "only agents on this machine")
	return cmd
}

func newMachinesCmd(g *globalOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "machines",
		Short: "List machines registered with the hub",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, _, err := hubClient(g)
			if err != nil {
				return err
			}
			machines, err := client.ListMachines(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if wantJSON(cmd, g) {
				return writeJSON(out, machines)
			}
			w := newTable(out)
			fmt.Fprintln(w, "MACHINE\tNAME\tSTATUS\tLAST SEEN\tDAEMON")
			for _, m := range machines {
				seen := "never"
				if m.LastSeen != nil {
					seen = time.Since(*m.LastSeen).Round(time.Second).String() + " ago"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", m.ID, m.DisplayName, m.Status, seen, orDash(m.DaemonURL))
			}
			return w.Flush()
		},
	}
}

func newInboxCmd(g *globalOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "inbox <project>",
		Short: "Drain the messages queued for a local project",
		Long:  "Reads and empties the inbox of a project served by this machine's daemon.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadClientConfig(g)
			if err != nil {
				return err
			}
			client := daemon.NewHubClient(localDaemonURL(cfg), cfg.Machine.ID, cfg.Auth.Token)
			msgs, err := client.Inbox(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if wantJSON(cmd, g) {
				return writeJSON(out, msgs)
			}
			if len(msgs) == 0 {
				fmt.Fprintf(out, "Inbox of %s is empty.\n", args[0])
				return nil
			}
			for _, m := range msgs {
				fmt.Fprintf(out, "[%s] %s (%s", m.Timestamp.Local().Format(time.DateTime), m.From, m.Type)
				if m.MissionID != "" {
					fmt.Fprintf(out, ", mission %s", m.MissionID)
				}
				fmt.Fprintf(out, ")\n  %s\n", m.Payload.Text())
			}
			return nil
		},
	}
}
