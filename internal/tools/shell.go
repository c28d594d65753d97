package tools

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"regexp"
	"time"
)

// Command patterns denied regardless of config. The workspace restriction
// handles path escapes; these cover commands that are destructive or leak
// the process environment no matter where they run.
var shellDenyPatterns = []*regexp.Regexp{
	// Destructive file and disk operations
	regexp.MustCompile(`\brm\s+-[rf]{1,2}\b`),
	regexp.MustCompile(`\brm\s+.*--(recursive|force)`),
	regexp.MustCompile(`\b(mkfs|diskpart)\b|\bformat\s`),
	regexp.MustCompile(`\bdd\s+if=`),
	regexp.MustCompile(`>\s*/dev/sd[a-z]\b`),
	regexp.MustCompile(`\b(shutdown|reboot|poweroff)\b`),
	regexp.MustCompile(`:\(\)\s*\{.*\};\s*:`), // fork bomb

	// Piped remote code execution
	regexp.MustCompile(`\bcurl\b.*\|\s*(ba)?sh\b`),
	regexp.MustCompile(`\bwget\b.*\|\s*(ba)?sh\b`),
	regexp.MustCompile(`\bbase64\s+-d\b.*\|\s*(ba)?sh\b`),
	regexp.MustCompile(`/dev/tcp/`),

	// Reverse shells and tunnels
	regexp.MustCompile(`\b(nc|ncat|netcat)\b.*-[el]\b`),
	regexp.MustCompile(`\bsocat\b`),
	regexp.MustCompile(`\bmkfifo\b`),
	regexp.MustCompile(`\b(chisel|frp|ngrok|cloudflared|bore)\b`),

	// Privilege escalation
	regexp.MustCompile(`\bsudo\b`),
	regexp.MustCompile(`\bsu\s+-`),
	regexp.MustCompile(`\b(mount|umount|nsenter|unshare)\b`),

	// Loader injection
	regexp.MustCompile(`\b(LD_PRELOAD|LD_LIBRARY_PATH|DYLD_INSERT_LIBRARIES|BASH_ENV)\s*=`),

	// Shell RC persistence
	regexp.MustCompile(`>\s*~/?\.(bashrc|bash_profile|profile|zshrc)`),
	regexp.MustCompile(`\bcrontab\b`),

	// Environment dumps expose API keys
	regexp.MustCompile(`^\s*env\s*($|\||>)`),
	regexp.MustCompile(`\bprintenv\b`),
	regexp.MustCompile(`^\s*(set|export\s+-p|declare\s+-x)\s*($|\|)`),
}

// DefaultShellTimeout bounds one command unless config overrides it.
const DefaultShellTimeout = 30 * time.Second

// ShellTool runs commands in the workspace. Exposed as terminal__run_command.
type ShellTool struct {
	workspace string
	timeout   time.Duration
	deny      []*regexp.Regexp
}

func NewShellTool(workspace string) *ShellTool {
	return &ShellTool{
		workspace: workspace,
		timeout:   DefaultShellTimeout,
		deny:      shellDenyPatterns,
	}
}

func (t *ShellTool) Name() string { return FlatName(CategoryTerminal, "run_command") }
func (t *ShellTool) Description() string {
	return "Run a shell command in the workspace and return its output"
}

func (t *ShellTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"command": map[string]interface{}{
				"type":        "string",
				"description": "The shell command to execute",
			},
			"working_dir": map[string]interface{}{
				"type":        "string",
				"description": "Optional working directory, relative to the workspace",
			},
		},
		"required": []string{"command"},
	}
}

func (t *ShellTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	command, _ := args["command"].(string)
	if command == "" {
		return ErrorResult("command is required")
	}

	for _, pattern := range t.deny {
		if pattern.MatchString(command) {
			return ErrorResult(fmt.Sprintf("command denied by safety policy: matches %s", pattern.String()))
		}
	}

	cwd := t.workspace
	if wd, _ := args["working_dir"].(string); wd != "" {
		resolved, err := resolvePath(wd, t.workspace)
		if err != nil {
			return ErrorResult(err.Error())
		}
		cwd = resolved
	}

	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = cwd

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()

	var out string
	if stdout.Len() > 0 {
		out = stdout.String()
	}
	if stderr.Len() > 0 {
		if out != "" {
			out += "\n"
		}
		out += "STDERR:\n" + stderr.String()
	}

	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return ErrorResult(fmt.Sprintf("command timed out after %s", t.timeout))
		}
		if out == "" {
			out = err.Error()
		}
		return ErrorResult(out)
	}
	if out == "" {
		out = "(command completed with no output)"
	}
	return SilentResult(out)
}

// GHTool shells out to the GitHub CLI. Exposed as github__gh; authentication
// comes from the gh login already present on the host.
type GHTool struct {
	workspace string
	timeout   time.Duration
}

func NewGHTool(workspace string) *GHTool {
	return &GHTool{workspace: workspace, timeout: 60 * time.Second}
}

func (t *GHTool) Name() string { return FlatName(CategoryGithub, "gh") }
func (t *GHTool) Description() string {
	return "Run a GitHub CLI command (gh) and return its output"
}

func (t *GHTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"args": map[string]interface{}{
				"type":        "array",
				"items":       map[string]interface{}{"type": "string"},
				"description": "Arguments passed to gh, e.g. [\"pr\", \"list\"]",
			},
		},
		"required": []string{"args"},
	}
}

func (t *GHTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	raw, _ := args["args"].([]interface{})
	if len(raw) == 0 {
		return ErrorResult("args is required")
	}
	ghArgs := make([]string, 0, len(raw))
	for _, a := range raw {
		s, ok := a.(string)
		if !ok {
			return ErrorResult("args must be strings")
		}
		ghArgs = append(ghArgs, s)
	}
	switch ghArgs[0] {
	case "auth", "config":
		// gh auth token would print the credential into the conversation.
		return ErrorResult("gh auth/config subcommands are not available")
	}

	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "gh", ghArgs...)
	cmd.Dir = t.workspace
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return ErrorResult(fmt.Sprintf("gh timed out after %s", t.timeout))
		}
		msg := stderr.String()
		if msg == "" {
			msg = err.Error()
		}
		return ErrorResult(msg)
	}
	out := stdout.String()
	if out == "" {
		out = "(gh completed with no output)"
	}
	return SilentResult(out)
}

// joinWorkspace is shared by tools that accept relative paths.
func joinWorkspace(workspace, path string) string {
	if filepath.IsAbs(path) {
		return filepath.Clean(path)
	}
	return filepath.Clean(filepath.Join(workspace, path))
}
