package config

import (
	"os"
	"path/filepath"
	"strings"
)

// Paths resolves every file and directory under the state root. The root is
// ~/.tamias by default, TAMIAS_HOME when set, and a tenants/<id> subtree when
// a tenant is active. Tenant trees mirror the root layout exactly.
type Paths struct {
	Root string
}

// DefaultPaths resolves the state root from the environment.
func DefaultPaths() Paths {
	root := os.Getenv("TAMIAS_HOME")
	if root == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			home = "."
		}
		root = filepath.Join(home, ".tamias")
	}
	p := Paths{Root: root}
	if tenant := os.Getenv("TAMIAS_TENANT"); tenant != "" {
		p = p.Tenant(tenant)
	}
	return p
}

// Tenant returns the paths for an isolated tenant subtree.
func (p Paths) Tenant(id string) Paths {
	return Paths{Root: filepath.Join(p.Root, "tenants", id)}
}

func (p Paths) ConfigFile() string { return filepath.Join(p.Root, "config.json") }
func (p Paths) EnvFile() string    { return filepath.Join(p.Root, ".env") }
func (p Paths) AgentsFile() string { return filepath.Join(p.Root, "agents.json") }

// AgentDir is the per-agent workspace: instructions, memory, skills.
func (p Paths) AgentDir(slug string) string { return filepath.Join(p.Root, "agents", slug) }

func (p Paths) MemoryDir() string { return filepath.Join(p.Root, "memory") }
func (p Paths) DailyDir() string  { return filepath.Join(p.MemoryDir(), "daily") }

func (p Paths) ProjectsDir() string { return filepath.Join(p.Root, "projects") }

// SessionsDir is where a project's session files live, partitioned by month
// at write time. Empty slug maps to the "default" project.
func (p Paths) SessionsDir(projectSlug string) string {
	if projectSlug == "" {
		projectSlug = "default"
	}
	return filepath.Join(p.ProjectsDir(), projectSlug)
}

func (p Paths) DataDB() string       { return filepath.Join(p.Root, "data.sqlite") }
func (p Paths) CronFile() string     { return filepath.Join(p.Root, "cron.json") }
func (p Paths) DaemonFile() string   { return filepath.Join(p.Root, "daemon.json") }
func (p Paths) DaemonLog() string    { return filepath.Join(p.Root, "daemon.log") }
func (p Paths) WorkspaceDir() string { return filepath.Join(p.Root, "workspace") }
func (p Paths) SkillsDir() string    { return filepath.Join(p.Root, "skills") }

// EnsureLayout creates the directories a fresh install needs.
func (p Paths) EnsureLayout() error {
	for _, dir := range []string{
		p.Root,
		p.MemoryDir(),
		p.DailyDir(),
		p.ProjectsDir(),
		p.WorkspaceDir(),
		p.SkillsDir(),
	} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return nil
}

// ExpandHome replaces a leading ~ with the user's home directory.
func ExpandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		if path == "~" {
			return home
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
