package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// CronJobRequest is what the schedule tool asks the scheduler to register.
type CronJobRequest struct {
	Name     string
	Schedule string
	Message  string
}

// CronJobInfo describes one registered job.
type CronJobInfo struct {
	ID        string     `json:"id"`
	Name      string     `json:"name,omitempty"`
	Schedule  string     `json:"schedule"`
	Message   string     `json:"message"`
	SessionID string     `json:"sessionId"`
	CreatedAt time.Time  `json:"createdAt"`
	LastRunAt *time.Time `json:"lastRunAt,omitempty"`
	LastError string     `json:"lastError,omitempty"`
}

// CronService registers and cancels scheduled jobs. Implemented by the cron
// scheduler; injected here to keep the dependency one-way.
type CronService interface {
	Schedule(ctx context.Context, sessionID string, req CronJobRequest) (CronJobInfo, error)
	Jobs() []CronJobInfo
	Cancel(ctx context.Context, jobID string) error
}

// ScheduleTool registers a recurring prompt for the calling session. Exposed
// as cron__schedule.
type ScheduleTool struct {
	svc CronService
}

func NewScheduleTool(svc CronService) *ScheduleTool {
	return &ScheduleTool{svc: svc}
}

func (t *ScheduleTool) Name() string { return FlatName(CategoryCron, "schedule") }
func (t *ScheduleTool) Description() string {
	return "Schedule a recurring message to yourself using a cron expression. The message is delivered to this conversation on schedule."
}

func (t *ScheduleTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"schedule": map[string]interface{}{
				"type":        "string",
				"description": "Standard 5-field cron expression, e.g. \"0 9 * * 1-5\" for weekdays at 09:00",
			},
			"message": map[string]interface{}{
				"type":        "string",
				"description": "The prompt to deliver on each run",
			},
			"name": map[string]interface{}{
				"type":        "string",
				"description": "Optional short label for listings",
			},
		},
		"required": []string{"schedule", "message"},
	}
}

func (t *ScheduleTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	schedule, _ := args["schedule"].(string)
	message, _ := args["message"].(string)
	name, _ := args["name"].(string)
	if schedule == "" || message == "" {
		return ErrorResult("schedule and message are required")
	}
	sessionID := SessionIDFromCtx(ctx)
	if sessionID == "" {
		return ErrorResult("scheduling is only available inside a session")
	}
	job, err := t.svc.Schedule(ctx, sessionID, CronJobRequest{Name: name, Schedule: schedule, Message: message})
	if err != nil {
		return ErrorResult(fmt.Sprintf("schedule failed: %v", err))
	}
	return NewResult(fmt.Sprintf("job %s scheduled: %q runs %q", job.ID, job.Message, job.Schedule))
}

// ListJobsTool lists registered cron jobs. Exposed as cron__list.
type ListJobsTool struct {
	svc CronService
}

func NewListJobsTool(svc CronService) *ListJobsTool {
	return &ListJobsTool{svc: svc}
}

func (t *ListJobsTool) Name() string { return FlatName(CategoryCron, "list") }
func (t *ListJobsTool) Description() string {
	return "List all scheduled cron jobs"
}

func (t *ListJobsTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type":       "object",
		"properties": map[string]interface{}{},
	}
}

func (t *ListJobsTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	jobs := t.svc.Jobs()
	out, err := json.Marshal(map[string]interface{}{
		"count": len(jobs),
		"jobs":  jobs,
	})
	if err != nil {
		return ErrorResult(fmt.Sprintf("encode jobs: %v", err))
	}
	return SilentResult(string(out))
}

// CancelJobTool removes a scheduled job. Exposed as cron__cancel.
type CancelJobTool struct {
	svc CronService
}

func NewCancelJobTool(svc CronService) *CancelJobTool {
	return &CancelJobTool{svc: svc}
}

func (t *CancelJobTool) Name() string { return FlatName(CategoryCron, "cancel") }
func (t *CancelJobTool) Description() string {
	return "Cancel a scheduled cron job by id"
}

func (t *CancelJobTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"id": map[string]interface{}{
				"type":        "string",
				"description": "Job id from cron__list",
			},
		},
		"required": []string{"id"},
	}
}

func (t *CancelJobTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	id, _ := args["id"].(string)
	if id == "" {
		return ErrorResult("id is required")
	}
	if err := t.svc.Cancel(ctx, id); err != nil {
		return ErrorResult(fmt.Sprintf("cancel failed: %v", err))
	}
	return NewResult(fmt.Sprintf("job %s cancelled", id))
}
