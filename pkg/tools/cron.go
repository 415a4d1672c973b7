package tools

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sipeed/picoclaw/pkg/bus"
	"github.com/sipeed/picoclaw/pkg/cronstore"
	"github.com/sipeed/picoclaw/pkg/utils"
)

// AgentExecutor is the subset of the agent loop the cron tool needs to run
// a job's message through the conversational agent instead of delivering it
// directly.
type AgentExecutor interface {
	ProcessDirectWithChannel(ctx context.Context, content, sessionKey, channel, chatID string) (string, error)
}

// CronTool is the agent-facing wrapper around cronstore.Store: it lets the
// model schedule, list, and manage its own reminder/recurring jobs.
type CronTool struct {
	service  *cronstore.Store
	executor AgentExecutor
	bus      *bus.MessageBus
}

func NewCronTool(service *cronstore.Store, executor AgentExecutor, msgBus *bus.MessageBus) *CronTool {
	return &CronTool{service: service, executor: executor, bus: msgBus}
}

func (t *CronTool) Name() string { return "cron" }
func (t *CronTool) Description() string {
	return "Schedule, list, enable/disable, or remove reminder and recurring jobs. Use action='add' with one of at_seconds, every_seconds, or cron_expr."
}
func (t *CronTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"action": map[string]interface{}{
				"type":        "string",
				"enum":        []string{"add", "list", "remove", "enable", "disable"},
				"description": "Operation to perform",
			},
			"message": map[string]interface{}{
				"type":        "string",
				"description": "Message to deliver or process when the job fires (required for action=add)",
			},
			"at_seconds": map[string]interface{}{
				"type":        "number",
				"description": "One-shot job: seconds from now to run",
			},
			"every_seconds": map[string]interface{}{
				"type":        "number",
				"description": "Recurring job: interval in seconds",
			},
			"cron_expr": map[string]interface{}{
				"type":        "string",
				"description": "Recurring job: POSIX cron expression",
			},
			"deliver": map[string]interface{}{
				"type":        "boolean",
				"description": "If true, the message is delivered directly; if false, it's run through the agent (default true)",
			},
			"channel": map[string]interface{}{
				"type":        "string",
				"description": "Target channel (defaults to the session the job was created from)",
			},
			"chat_id": map[string]interface{}{
				"type":        "string",
				"description": "Target chat id (defaults to the session the job was created from)",
			},
			"job_id": map[string]interface{}{
				"type":        "string",
				"description": "Job ID (required for remove/enable/disable)",
			},
		},
		"required": []string{"action"},
	}
}

func (t *CronTool) Execute(ctx context.Context, args map[string]interface{}) (string, error) {
	action, _ := args["action"].(string)

	switch strings.ToLower(action) {
	case "add":
		return t.addJob(args)
	case "list":
		return t.listJobs(), nil
	case "remove":
		return t.removeJob(args)
	case "enable":
		return t.setEnabled(args, true)
	case "disable":
		return t.setEnabled(args, false)
	default:
		return "", fmt.Errorf("unknown cron action: %s", action)
	}
}

func (t *CronTool) addJob(args map[string]interface{}) (string, error) {
	message, _ := args["message"].(string)
	if strings.TrimSpace(message) == "" {
		return "Error: message is required", nil
	}

	schedule, err := buildSchedule(args)
	if err != nil {
		return fmt.Sprintf("Error: %s", err.Error()), nil
	}

	channel, _ := args["channel"].(string)
	chatID, _ := args["chat_id"].(string)
	if channel == "" || chatID == "" {
		ctxChannel, ctxChatID := getExecutionContext(args)
		if channel == "" {
			channel = ctxChannel
		}
		if chatID == "" {
			chatID = ctxChatID
		}
	}
	if channel == "" || chatID == "" {
		return "Error: no session context available to schedule this job", nil
	}

	deliver := true
	if d, ok := args["deliver"].(bool); ok {
		deliver = d
	}

	name := fmt.Sprintf("agent:%s", utils.Truncate(message, 40))
	job, err := t.service.AddJob(name, schedule, message, deliver, channel, chatID)
	if err != nil {
		return fmt.Sprintf("Error: %s", err.Error()), nil
	}

	return fmt.Sprintf("Created job %s (%s)", job.ID, schedule.Kind), nil
}

func buildSchedule(args map[string]interface{}) (cronstore.CronSchedule, error) {
	if atSec, ok := args["at_seconds"].(float64); ok && atSec > 0 {
		atMS := time.Now().Add(time.Duration(atSec) * time.Second).UnixMilli()
		return cronstore.CronSchedule{Kind: "at", AtMS: &atMS}, nil
	}
	if everySec, ok := args["every_seconds"].(float64); ok && everySec > 0 {
		everyMS := int64(everySec * 1000)
		return cronstore.CronSchedule{Kind: "every", EveryMS: &everyMS}, nil
	}
	if expr, ok := args["cron_expr"].(string); ok && strings.TrimSpace(expr) != "" {
		return cronstore.CronSchedule{Kind: "cron", Expr: expr}, nil
	}
	return cronstore.CronSchedule{}, fmt.Errorf("one of at_seconds, every_seconds, or cron_expr is required")
}

func (t *CronTool) listJobs() string {
	jobs := t.service.ListJobs(true)
	if len(jobs) == 0 {
		return "No scheduled jobs."
	}

	lines := make([]string, 0, len(jobs)+1)
	lines = append(lines, "Scheduled jobs:")
	for _, j := range jobs {
		status := "enabled"
		if !j.Enabled {
			status = "disabled"
		}
		lines = append(lines, fmt.Sprintf("- %s [%s] %s: %s (%s)", j.ID, j.Schedule.Kind, j.Name, j.Payload.Message, status))
	}
	return strings.Join(lines, "\n")
}

func (t *CronTool) removeJob(args map[string]interface{}) (string, error) {
	jobID, _ := args["job_id"].(string)
	if strings.TrimSpace(jobID) == "" {
		return "Error: job_id is required", nil
	}
	if !t.service.RemoveJob(jobID) {
		return fmt.Sprintf("Job %s not found", jobID), nil
	}
	return fmt.Sprintf("Removed job %s", jobID), nil
}

func (t *CronTool) setEnabled(args map[string]interface{}, enabled bool) (string, error) {
	jobID, _ := args["job_id"].(string)
	if strings.TrimSpace(jobID) == "" {
		return "Error: job_id is required", nil
	}
	job := t.service.EnableJob(jobID, enabled)
	if job == nil {
		return fmt.Sprintf("Job %s not found", jobID), nil
	}
	if enabled {
		return fmt.Sprintf("Job %s enabled", jobID), nil
	}
	return fmt.Sprintf("Job %s disabled", jobID), nil
}

// ExecuteJob runs a due job: delivers its message directly on the bus, or
// routes it through the agent when Deliver is false.
func (t *CronTool) ExecuteJob(ctx context.Context, job *cronstore.CronJob) string {
	if job.Payload.Deliver {
		if t.bus != nil {
			t.bus.PublishOutbound(bus.OutboundMessage{
				Channel: job.Payload.Channel,
				ChatID:  job.Payload.To,
				Content: job.Payload.Message,
			})
		}
		return "ok"
	}

	if t.executor == nil {
		return "Error: no executor configured for this job"
	}

	sessionKey := fmt.Sprintf("cron-%s", job.ID)
	resp, err := t.executor.ProcessDirectWithChannel(ctx, job.Payload.Message, sessionKey, job.Payload.Channel, job.Payload.To)
	if err != nil {
		return fmt.Sprintf("Error: %v", err)
	}
	return resp
}
