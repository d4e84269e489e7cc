package launcher

import (
	"context"
	"os/exec"
	"slices"
	"strings"
	"time"
)

// cmdWaitDelay bounds how long Wait blocks on pipes held open by
// grandchildren after the agent process is killed.
const cmdWaitDelay = 5 * time.Second

// streamArgs reports whether args ask the agent for print mode or an
// explicit output format, in which case stream-json output is forced.
func streamArgs(args []string) bool {
	for _, a := range args {
		if a == "-p" || a == "--print" || a == "--output-format" || strings.HasPrefix(a, "--output-format=") {
			return true
		}
	}
	return false
}

// normalizeArgs forces stream-json output when args imply a structured
// mode: "json" after --output-format becomes "stream-json", a missing
// --output-format is added, and print mode gets --verbose.
func normalizeArgs(args []string) ([]string, bool) {
	out := slices.Clone(args)
	if !streamArgs(out) {
		return out, false
	}

	hasFormat := false
	for i, a := range out {
		switch {
		case a == "--output-format":
			hasFormat = true
			if i+1 < len(out) && out[i+1] == "json" {
				out[i+1] = "stream-json"
			}
		case a == "--output-format=json":
			hasFormat = true
			out[i] = "--output-format=stream-json"
		case strings.HasPrefix(a, "--output-format="):
			hasFormat = true
		}
	}
	if !hasFormat {
		out = append(out, "--output-format", "stream-json")
	}
	if (slices.Contains(out, "-p") || slices.Contains(out, "--print")) && !slices.Contains(out, "--verbose") {
		out = append(out, "--verbose")
	}
	return out, true
}

// commandLine picks the binary and arguments for a launch. An agent command
// override replaces the binary; extra words in it precede the default args.
func (l *Launcher) commandLine(agentCommand, prompt string) (string, []string, bool) {
	binary := l.command
	var prefix []string
	if fields := strings.Fields(agentCommand); len(fields) > 0 {
		binary = fields[0]
		prefix = fields[1:]
	}

	args, stream := normalizeArgs(append(prefix, l.args...))
	return binary, append(args, prompt), stream
}

// buildCommand constructs the exec.Cmd for one mission. Cancelling ctx kills
// the whole process group.
func buildCommand(ctx context.Context, binary string, args []string, dir string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, binary, args...)
	if dir != "" {
		cmd.Dir = dir
	}
	setProcessGroup(cmd)
	cmd.WaitDelay = cmdWaitDelay
	return cmd
}
