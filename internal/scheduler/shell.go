package scheduler

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// ShellTimeout caps the wall clock of a scheduled shell command.
const ShellTimeout = 30 * time.Second

// ShellOutputCap truncates captured output.
const ShellOutputCap = 100 << 10

// blockedCommands are rejected anywhere in the command line, including
// behind pipes and separators.
var blockedCommands = map[string]bool{
	"rm":   true,
	"sudo": true,
	"dd":   true,
	"mkfs": true,
}

// blockedFragments are substring matches on the raw command.
var blockedFragments = []string{
	"..",
	".ssh",
	".aws/credentials",
	"/etc/shadow",
	"/etc/passwd",
	"id_rsa",
}

// CheckCommand vets a shell command against the blocklist before it is
// ever spawned.
func CheckCommand(command string) error {
	trimmed := strings.TrimSpace(command)
	if trimmed == "" {
		return fmt.Errorf("empty command")
	}
	for _, frag := range blockedFragments {
		if strings.Contains(trimmed, frag) {
			return fmt.Errorf("command contains blocked pattern %q", frag)
		}
	}
	for _, field := range strings.FieldsFunc(trimmed, func(r rune) bool {
		return r == ' ' || r == '\t' || r == ';' || r == '|' || r == '&' || r == '\n'
	}) {
		base := field
		if idx := strings.LastIndex(base, "/"); idx >= 0 {
			base = base[idx+1:]
		}
		if blockedCommands[base] || strings.HasPrefix(base, "mkfs.") {
			return fmt.Errorf("command %q is blocked", base)
		}
	}
	return nil
}

// RunShell executes a vetted command under sh -c with the scheduler's
// timeout and output cap.
func RunShell(ctx context.Context, command string) (string, error) {
	if err := CheckCommand(command); err != nil {
		return "", err
	}
	ctx, cancel := context.WithTimeout(ctx, ShellTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	out, err := cmd.CombinedOutput()
	if len(out) > ShellOutputCap {
		out = out[:ShellOutputCap]
	}
	if ctx.Err() == context.DeadlineExceeded {
		return string(out), fmt.Errorf("command timed out after %s", ShellTimeout)
	}
	if err != nil {
		return string(out), fmt.Errorf("command failed: %w", err)
	}
	return string(out), nil
}
