package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/zulandar/intercom/internal/config"
	"github.com/zulandar/intercom/internal/daemon"
)

// loadClientConfig reads the config for a client command. Client commands
// only need the machine identity, the hub URL and the token.
func loadClientConfig(g *globalOpts) (*config.Config, error) {
	if err := config.LoadDotEnv(g.envPath); err != nil {
		return nil, err
	}
	cfg, err := config.Load(g.configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// hubClient returns a client for the configured hub, signing as this
// machine.
func hubClient(g *globalOpts) (*daemon.HubClient, *config.Config, error) {
	cfg, err := loadClientConfig(g)
	if err != nil {
		return nil, nil, err
	}
	if cfg.Hub.URL == "" {
		return nil, nil, fmt.Errorf("hub.url is not set in %s", g.configPath)
	}
	return daemon.NewHubClient(cfg.Hub.URL, cfg.Machine.ID, cfg.Auth.Token), cfg, nil
}

// localDaemonURL is where this machine's daemon answers locally: its listen
// address with a wildcard host replaced by loopback.
func localDaemonURL(cfg *config.Config) string {
	host, port, err := net.SplitHostPort(cfg.Daemon.Listen)
	if err != nil {
		return cfg.Daemon.URL
	}
	switch host {
	case "", "0.0.0.0", "::":
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port)
}

// wantJSON reports whether output should be JSON: when asked for, or when
// stdout is not a terminal.
func wantJSON(cmd *cobra.Command, g *globalOpts) bool {
	if g.jsonOut {
		return true
	}
	f, ok := cmd.OutOrStdout().(*os.File)
	return ok && !term.IsTerminal(int(f.Fd()))
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newTable(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
