package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/zulandar/intercom/internal/approval"
	"github.com/zulandar/intercom/internal/envelope"
)

func newPolicyCmd(g *globalOpts) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Inspect the approval policies",
	}
	cmd.AddCommand(newPolicyListCmd(g), newPolicyCheckCmd(g))
	return cmd
}

func loadEngine(g *globalOpts) (*approval.Engine, string, error) {
	cfg, err := loadClientConfig(g)
	if err != nil {
		return nil, "", err
	}
	p, err := approval.LoadPolicies(cfg.Approval.PoliciesFile)
	if err != nil {
		return nil, "", err
	}
	e, err := approval.New(p)
	return e, cfg.Approval.PoliciesFile, err
}

func newPolicyListCmd(g *globalOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List policy rules in evaluation order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, path, err := loadEngine(g)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if wantJSON(cmd, g) {
				return writeJSON(out, approval.Policies{
					Defaults: approval.Defaults{RequireApproval: e.DefaultLevel()},
					Rules:    e.Rules(),
				})
			}
			fmt.Fprintf(out, "Policies: %s (default: %s)\n", path, e.DefaultLevel())
			w := newTable(out)
			fmt.Fprintln(w, "#\tFROM\tTO\tTYPE\tPATTERN\tAPPROVAL\tLABEL")
			for i, r := range e.Rules() {
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\t%s\n", i+1,
					orStar(r.From), orStar(r.To), orStar(r.Type), orDash(r.MessagePattern), r.Approval, orDash(r.Label))
			}
			return w.Flush()
		},
	}
}

func newPolicyCheckCmd(g *globalOpts) *cobra.Command {
	var from string
	cmd := &cobra.Command{
		Use:   "check <to> <type> [message...]",
		Short: "Show which approval level a message would get",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, _, err := loadEngine(g)
			if err != nil {
				return err
			}
			msg, err := sampleMessage(from, args[0], envelope.Type(args[1]), strings.Join(args[2:], " "))
			if err != nil {
				return err
			}
			d := e.Check(msg)
			out := cmd.OutOrStdout()
			if wantJSON(cmd, g) {
				return writeJSON(out, map[string]any{
					"level":                d.Level,
					"source":               d.Source,
					"rule":                 d.Rule,
					"requires_interaction": d.Level.RequiresInteraction(),
				})
			}
			fmt.Fprintf(out, "%s -> %s (%s): %s", msg.From, msg.To, msg.Type, d.Level)
			if d.Rule != "" {
				fmt.Fprintf(out, " by rule %q", d.Rule)
			} else {
				fmt.Fprintf(out, " by %s", d.Source)
			}
			if d.Level.RequiresInteraction() {
				fmt.Fprint(out, ", needs a human")
			}
			fmt.Fprintln(out)
			return nil
		},
	}
	cmd.Flags().StringVar(&from, "from", envelope.HumanAddress, "sender address")
	return cmd
}

// sampleMessage builds the envelope a policy check evaluates.
func sampleMessage(from, to string, t envelope.Type, text string) (envelope.Message, error) {
	fa, err := envelope.ParseAddress(from)
	if err != nil {
		return envelope.Message{}, err
	}
	ta, err := envelope.ParseAddress(to)
	if err != nil {
		return envelope.Message{}, err
	}
	if text == "" {
		text = "(policy check)"
	}
	var p envelope.Payload
	switch t {
	case envelope.TypeSend:
		p = envelope.SendPayload{Message: text}
	case envelope.TypeAsk:
		p = envelope.AskPayload{Message: text}
	case envelope.TypeStartAgent:
		p = envelope.StartAgentPayload{Mission: text}
	case envelope.TypeResponse:
		p = envelope.ResponsePayload{Message: text}
	case envelope.TypeStatus:
		p = envelope.StatusPayload{Status: text}
	case envelope.TypeChat:
		p = envelope.ChatPayload{Message: text}
	default:
		return envelope.Message{}, fmt.Errorf("unknown message type %q", t)
	}
	return envelope.New(fa, ta, p)
}

func orStar(s string) string {
	if s == "" {
		return "*"
	}
	return s
}
