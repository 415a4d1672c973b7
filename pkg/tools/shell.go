package tools

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
)

var defaultDenyPatterns = []string{
	`\brm\s+-[a-zA-Z]*r[a-zA-Z]*f\b`,
	`\brm\s+-[a-zA-Z]*f[a-zA-Z]*r\b`,
	`\brm\s+-f\b`,
	`\brm\s+-r\b`,
	`\bdel\s+/f\b`,
	`\bdel\s+/q\b`,
	`\brmdir\s+/s\b`,
	`\bformat\s`,
	`\bmkfs[.\s]`,
	`\bdiskpart\b`,
	`\bdd\s+if=`,
	`>\s*/dev/sd[a-z]`,
	`\bshutdown\b`,
	`\breboot\b`,
	`\bpoweroff\b`,
	`:\(\)\s*\{\s*:\|:&\s*\};\s*:`,
}

// DefaultDangerousPatterns returns a copy of the exec tool's built-in
// deny-pattern blocklist, exposed for the REST settings surface
// (GET /api/settings/security/dangerous-patterns).
func DefaultDangerousPatterns() []string {
	out := make([]string, len(defaultDenyPatterns))
	copy(out, defaultDenyPatterns)
	return out
}

// ExecTool runs a shell command, guarded by a deny-pattern blocklist, an
// optional allowlist, and optional workspace confinement.
type ExecTool struct {
	workspace string

	denyPatterns  []*regexp.Regexp
	allowPatterns []*regexp.Regexp

	restrictToWorkspace bool
}

func NewExecTool(workspace string) *ExecTool {
	deny := make([]*regexp.Regexp, 0, len(defaultDenyPatterns))
	for _, p := range defaultDenyPatterns {
		deny = append(deny, regexp.MustCompile(p))
	}
	return &ExecTool{
		workspace:    workspace,
		denyPatterns: deny,
	}
}

// SetAllowPatterns restricts execution to commands matching at least one of
// the given regexes. Deny patterns are still checked first.
func (t *ExecTool) SetAllowPatterns(patterns []string) error {
	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return fmt.Errorf("invalid allow pattern %q: %w", p, err)
		}
		compiled = append(compiled, re)
	}
	t.allowPatterns = compiled
	return nil
}

// SetRestrictToWorkspace enables path-traversal rejection (".." or a
// backslash-style traversal segment anywhere in the command).
func (t *ExecTool) SetRestrictToWorkspace(restrict bool) {
	t.restrictToWorkspace = restrict
}

func (t *ExecTool) Name() string { return "exec" }
func (t *ExecTool) Description() string {
	return "Execute a shell command in the workspace. Destructive and disk/system commands are blocked."
}
func (t *ExecTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"command": map[string]interface{}{
				"type":        "string",
				"description": "Shell command to run",
			},
		},
		"required": []string{"command"},
	}
}

// guardCommand returns a non-empty reason string when command should be
// blocked, or "" when it's allowed.
func (t *ExecTool) guardCommand(command, workDir string) string {
	lower := strings.ToLower(command)

	for _, re := range t.denyPatterns {
		if re.MatchString(lower) {
			return fmt.Sprintf("command matched dangerous pattern: %s", re.String())
		}
	}

	if t.restrictToWorkspace {
		if strings.Contains(command, "..") || strings.Contains(command, `\..`) {
			return "path traversal outside workspace is not allowed"
		}
	}

	if len(t.allowPatterns) > 0 {
		allowed := false
		for _, re := range t.allowPatterns {
			if re.MatchString(command) {
				allowed = true
				break
			}
		}
		if !allowed {
			return "command not in allowlist"
		}
	}

	return ""
}

func (t *ExecTool) Execute(ctx context.Context, args map[string]interface{}) (string, error) {
	command, ok := args["command"].(string)
	if !ok || strings.TrimSpace(command) == "" {
		return "", fmt.Errorf("command is required")
	}

	workDir := t.workspace
	if workDir == "" {
		workDir = "."
	}
	if abs, err := filepath.Abs(workDir); err == nil {
		workDir = abs
	}

	if reason := t.guardCommand(command, workDir); reason != "" {
		return fmt.Sprintf("Error: %s", reason), nil
	}

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = workDir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()

	output := stdout.String()
	if stderr.Len() > 0 {
		if output != "" {
			output += "\n"
		}
		output += stderr.String()
	}

	if err != nil {
		return fmt.Sprintf("Error: command failed: %v\n%s", err, output), nil
	}
	return output, nil
}
