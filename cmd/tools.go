package cmd

import (
	"github.com/tamias-dev/tamias/internal/agents"
	"github.com/tamias-dev/tamias/internal/config"
	"github.com/tamias-dev/tamias/internal/cron"
	"github.com/tamias-dev/tamias/internal/events"
	"github.com/tamias-dev/tamias/internal/providers"
	"github.com/tamias-dev/tamias/internal/sessions"
	"github.com/tamias-dev/tamias/internal/tools"
)

// registerInternalTools registers every built-in tool category. Which of them
// a given session may call is decided per turn from config.internalTools and
// the session's agent policy, not here.
func registerInternalTools(
	reg *tools.Registry,
	cfg *config.Config,
	paths config.Paths,
	sessStore *sessions.Store,
	dispatcher *events.Dispatcher,
	providerReg *providers.Registry,
	orchestrator *agents.Orchestrator,
	sched *cron.Scheduler,
) {
	workspace := paths.WorkspaceDir()
	if cfg.WorkspacePath != "" {
		workspace = config.ExpandHome(cfg.WorkspacePath)
	}

	// terminal + github
	reg.Register(tools.NewShellTool(workspace))
	reg.Register(tools.NewGHTool(workspace))

	// workspace files
	reg.Register(tools.NewReadFileTool(workspace))
	reg.Register(tools.NewWriteFileTool(workspace))
	reg.Register(tools.NewEditFileTool(workspace))
	reg.Register(tools.NewListFilesTool(workspace))

	// cross-session messaging
	reg.Register(tools.NewListSessionsTool(sessStore))
	reg.Register(tools.NewSessionHistoryTool(sessStore))
	reg.Register(tools.NewSendToSessionTool(sessStore))

	// sub-agents and the agent swarm
	reg.Register(tools.NewSpawnTool(orchestrator))
	reg.Register(tools.NewCallbackTool(sessStore))
	reg.Register(tools.NewProgressTool(sessStore, dispatcher))
	reg.Register(tools.NewTransferTool(orchestrator))
	reg.Register(tools.NewListAgentsTool(orchestrator))

	// persistent memory
	reg.Register(tools.NewRememberTool(sessStore, paths))
	reg.Register(tools.NewReadMemoryTool(sessStore, paths))
	reg.Register(tools.NewDailyLogTool(sessStore, paths))

	// images
	reg.Register(tools.NewCreateImageTool(cfg))
	reg.Register(tools.NewDescribeImageTool(cfg, providerReg))

	// cron
	reg.Register(tools.NewScheduleTool(sched))
	reg.Register(tools.NewListJobsTool(sched))
	reg.Register(tools.NewCancelJobTool(sched))

	// email
	reg.Register(tools.NewSendEmailTool(cfg))

	// introspection
	reg.Register(tools.NewStatusTool(cfg, sessStore, Version))
	reg.Register(tools.NewListModelsTool(cfg))
}
