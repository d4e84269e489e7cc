package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/zulandar/intercom/internal/daemon"
	"github.com/zulandar/intercom/internal/registry"
)

type joinOpts struct {
	machineID   string
	displayName string
	daemonURL   string
	envFile     string
	interval    time.Duration
	timeout     time.Duration
}

func newJoinCmd(g *globalOpts) *cobra.Command {
	o := joinOpts{}
	cmd := &cobra.Command{
		Use:   "join <hub-url>",
		Short: "Ask a hub to admit this machine",
		Long: "Submits a join request and waits until a human approves it on the hub or in chat.\n" +
			"The issued machine token is printed and, with --write-env, saved to a .env file.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if o.machineID == "" {
				host, err := os.Hostname()
				if err != nil {
					return fmt.Errorf("--machine-id is required: %w", err)
				}
				o.machineID = strings.ToLower(strings.SplitN(host, ".", 2)[0])
			}
			if o.daemonURL == "" {
				o.daemonURL = "http://" + o.machineID + ":7701"
			}
			return runJoin(cmd, args[0], o)
		},
	}
	cmd.Flags().StringVar(&o.machineID, "machine-id", "", "id for this machine (default: short hostname)")
	cmd.Flags().StringVar(&o.displayName, "name", "", "display name shown to the approver")
	cmd.Flags().StringVar(&o.daemonURL, "daemon-url", "", "URL the hub uses to reach this machine's daemon")
	cmd.Flags().StringVar(&o.envFile, "write-env", "", "save INTERCOM_TOKEN, INTERCOM_MACHINE_ID and HUB_URL to this .env file")
	cmd.Flags().DurationVar(&o.interval, "poll", 5*time.Second, "how often to check for approval")
	cmd.Flags().DurationVar(&o.timeout, "wait", time.Hour, "how long to wait for approval")
	return cmd
}

func runJoin(cmd *cobra.Command, hubURL string, o joinOpts) error {
	out := cmd.OutOrStdout()
	client := daemon.NewHubClient(hubURL, o.machineID, "")
	nonce := uuid.NewString()

	ctx, cancel := context.WithTimeout(cmd.Context(), o.timeout)
	defer cancel()

	_, err := client.Join(ctx, registry.JoinRequest{
		MachineID:   o.machineID,
		DisplayName: o.displayName,
		DaemonURL:   o.daemonURL,
		Nonce:       nonce,
	})
	if err != nil {
		return fmt.Errorf("join: %w", err)
	}
	fmt.Fprintf(out, "Join request for %s sent to %s. Waiting for approval...\n", o.machineID, hubURL)

	ticker := time.NewTicker(o.interval)
	defer ticker.Stop()
	for {
		st, err := client.JoinStatus(ctx, o.machineID, nonce)
		switch {
		case errors.Is(err, daemon.ErrNotFound):
			return fmt.Errorf("join: request for %s was denied or expired", o.machineID)
		case err != nil:
			return fmt.Errorf("join: %w", err)
		case st.Status == registry.JoinApproved:
			return joined(cmd, hubURL, o, st.Token)
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("join: no answer after %s", o.timeout)
		case <-ticker.C:
		}
	}
}

func joined(cmd *cobra.Command, hubURL string, o joinOpts, token string) error {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Approved. Machine token: %s\n", token)
	if o.envFile == "" {
		fmt.Fprintln(out, "Set auth.token (or INTERCOM_TOKEN) to this value and start `ic daemon`.")
		return nil
	}
	env, err := godotenv.Read(o.envFile)
	if errors.Is(err, fs.ErrNotExist) {
		env, err = map[string]string{}, nil
	}
	if err != nil {
		return fmt.Errorf("read %s: %w", o.envFile, err)
	}
	env["INTERCOM_TOKEN"] = token
	env["INTERCOM_MACHINE_ID"] = o.machineID
	env["HUB_URL"] = hubURL
	if err := godotenv.Write(env, o.envFile); err != nil {
		return fmt.Errorf("write %s: %w", o.envFile, err)
	}
	if err := os.Chmod(o.envFile, 0o600); err != nil {
		return err
	}
	fmt.Fprintf(out, "Saved to %s.\n", o.envFile)
	return nil
}

func newApproveCmd(g *globalOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "approve <machine-id>",
		Short: "Approve a pending join request (hub admin)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return answerJoin(cmd, g, args[0], true)
		},
	}
}

func newDenyCmd(g *globalOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "deny <machine-id>",
		Short: "Deny a pending join request (hub admin)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return answerJoin(cmd, g, args[0], false)
		},
	}
}

func answerJoin(cmd *cobra.Command, g *globalOpts, machineID string, approve bool) error {
	client, _, err := hubClient(g)
	if err != nil {
		return err
	}
	if client.Token == "" {
		if client.Token, err = readSecret(cmd, "Hub admin token: "); err != nil {
			return err
		}
	}
	if err := client.AnswerJoin(cmd.Context(), machineID, approve); err != nil {
		return err
	}
	verb := "denied"
	if approve {
		verb = "approved"
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Machine %s %s.\n", machineID, verb)
	return nil
}

// readSecret prompts for a secret without echo. It needs a terminal.
func readSecret(cmd *cobra.Command, prompt string) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", fmt.Errorf("no token configured (set auth.token or INTERCOM_TOKEN)")
	}
	fmt.Fprint(cmd.ErrOrStderr(), prompt)
	b, err := term.ReadPassword(fd)
	fmt.Fprintln(cmd.ErrOrStderr())
	if err != nil {
		return "", fmt.Errorf("read token: %w", err)
	}
	return strings.TrimSpace(string(b)), nil
}
