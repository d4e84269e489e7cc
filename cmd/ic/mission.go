package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

const historyPreview = 120

func newStatusCmd(g *globalOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "status <mission-id>",
		Short: "Show a mission's status and progress",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, _, err := hubClient(g)
			if err != nil {
				return err
			}
			snap, err := client.MissionStatus(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if wantJSON(cmd, g) {
				return writeJSON(out, snap)
			}

			fmt.Fprintf(out, "Mission:  %s\n", snap.MissionID)
			fmt.Fprintf(out, "Status:   %s\n", snap.Status)
			fmt.Fprintf(out, "Started:  %s\n", snap.StartedAt.Local().Format(time.DateTime))
			if snap.FinishedAt != nil {
				fmt.Fprintf(out, "Finished: %s (%s)\n", snap.FinishedAt.Local().Format(time.DateTime),
					snap.FinishedAt.Sub(snap.StartedAt).Round(time.Second))
			}
			fmt.Fprintf(out, "Turns:    %d\n", snap.TurnCount)
			if len(snap.Feedback) > 0 {
				fmt.Fprintln(out, "\nProgress:")
				for _, f := range snap.Feedback {
					fmt.Fprintf(out, "  %s  %-6s %s\n", f.Timestamp.Local().Format(time.TimeOnly), f.Kind, f.Summary)
				}
			}
			if snap.Output != nil && *snap.Output != "" {
				fmt.Fprintf(out, "\nOutput:\n%s\n", *snap.Output)
			}
			return nil
		},
	}
}

func newHistoryCmd(g *globalOpts) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history <mission-id>",
		Short: "Show the messages of a mission",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, _, err := hubClient(g)
			if err != nil {
				return err
			}
			msgs, err := client.History(cmd.Context(), args[0], limit)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if wantJSON(cmd, g) {
				return writeJSON(out, msgs)
			}
			if len(msgs) == 0 {
				fmt.Fprintf(out, "No messages for mission %s.\n", args[0])
				return nil
			}
			w := newTable(out)
			fmt.Fprintln(w, "TIME\tFROM\tTO\tTYPE\tMESSAGE")
			for _, m := range msgs {
				text := strings.ReplaceAll(m.Payload.Text(), "\n", " ")
				if len(text) > historyPreview {
					text = text[:historyPreview] + "..."
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
					m.Timestamp.Local().Format(time.DateTime), m.From, m.To, m.Type, orDash(text))
			}
			return w.Flush()
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "number of most recent messages")
	return cmd
}

func newStopCmd(g *globalOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "stop <mission-id>",
		Short: "Stop a running mission",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, _, err := hubClient(g)
			if err != nil {
				return err
			}
			stopped, err := client.StopMission(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if stopped {
				fmt.Fprintf(cmd.OutOrStdout(), "Mission %s stopped.\n", args[0])
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "Mission %s was not running.\n", args[0])
			}
			return nil
		},
	}
}
