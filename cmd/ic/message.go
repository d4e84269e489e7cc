package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/zulandar/intercom/internal/envelope"
	"github.com/zulandar/intercom/internal/router"
)

// messageOpts are the flags shared by the commands that route an envelope.
type messageOpts struct {
	from      string
	missionID string
}

func (o *messageOpts) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&o.from, "from", envelope.HumanAddress, "sender address: human or <this machine>/<project>")
	cmd.Flags().StringVarP(&o.missionID, "mission", "m", "", "continue an existing mission")
}

func newSendCmd(g *globalOpts) *cobra.Command {
	var (
		o      messageOpts
		urgent bool
	)
	cmd := &cobra.Command{
		Use:   "send <machine/project> <message...>",
		Short: "Send a one-way notification to an agent",
		Long:  "Queues a message in the target project's inbox. Nothing is launched.",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			p := envelope.SendPayload{Message: strings.Join(args[1:], " "), Priority: envelope.PriorityNormal}
			if urgent {
				p.Priority = envelope.PriorityUrgent
			}
			return routeAndPrint(cmd, g, o, args[0], p)
		},
	}
	o.bind(cmd)
	cmd.Flags().BoolVar(&urgent, "urgent", false, "mark the message urgent")
	return cmd
}

func newAskCmd(g *globalOpts) *cobra.Command {
	var (
		o        messageOpts
		timeout  int
		approval string
	)
	cmd := &cobra.Command{
		Use:   "ask <machine/project> <question...>",
		Short: "Ask an agent a question",
		Long:  "Launches the target agent with the question. Follow the answer with `ic status` or `ic history`.",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			p := envelope.AskPayload{
				Message:         strings.Join(args[1:], " "),
				Timeout:         timeout,
				RequireApproval: approval,
			}
			return routeAndPrint(cmd, g, o, args[0], p)
		},
	}
	o.bind(cmd)
	cmd.Flags().IntVar(&timeout, "timeout", envelope.DefaultAskTimeout, "seconds the asker is willing to wait")
	cmd.Flags().StringVar(&approval, "approval", envelope.DefaultRequireApproval, "approval hint passed to the hub")
	return cmd
}

func newStartAgentCmd(g *globalOpts) *cobra.Command {
	var (
		o            messageOpts
		agentCommand string
	)
	cmd := &cobra.Command{
		Use:     "start-agent <machine/project> <mission...>",
		Aliases: []string{"start"},
		Short:   "Start an agent on a mission",
		Args:    cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			p := envelope.StartAgentPayload{Mission: strings.Join(args[1:], " "), AgentCommand: agentCommand}
			return routeAndPrint(cmd, g, o, args[0], p)
		},
	}
	o.bind(cmd)
	cmd.Flags().StringVar(&agentCommand, "agent-command", "", "override the project's agent command")
	return cmd
}

func newReplyCmd(g *globalOpts) *cobra.Command {
	var o messageOpts
	cmd := &cobra.Command{
		Use:   "reply <mission-id> <message...>",
		Short: "Reply in a mission",
		Long:  "Sends a chat message to the other party of a mission. The hub works out the recipient.",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			o.missionID = args[0]
			p := envelope.ChatPayload{Message: strings.Join(args[1:], " "), ThreadID: args[0]}
			return routeAndPrint(cmd, g, o, "", p)
		},
	}
	cmd.Flags().StringVar(&o.from, "from", envelope.HumanAddress, "sender address: human or <this machine>/<project>")
	return cmd
}

func routeAndPrint(cmd *cobra.Command, g *globalOpts, o messageOpts, to string, p envelope.Payload) error {
	client, _, err := hubClient(g)
	if err != nil {
		return err
	}
	req, err := router.NewRequest(o.from, to, p, o.missionID)
	if err != nil {
		return err
	}
	res, err := client.Route(cmd.Context(), req)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if wantJSON(cmd, g) {
		if err := writeJSON(out, res); err != nil {
			return err
		}
	} else {
		fmt.Fprintf(out, "%s", res.Status())
		if id := res.MissionID(); id != "" {
			fmt.Fprintf(out, " (mission %s)", id)
		}
		if reason := res.Reason(); reason != "" {
			fmt.Fprintf(out, ": %s", reason)
		}
		fmt.Fprintln(out)
	}
	if !res.OK() {
		return fmt.Errorf("not delivered: %s", res.Status())
	}
	return nil
}
