package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/nudge/internal/schedule"
	"github.com/kalambet/nudge/internal/storage"
)

const recentNotificationsURI = "nudge://notifications/recent"

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Store     *storage.Store
	Scheduler RuleScheduler
}

// NewMCPServer creates an MCP server with the rule tools and the recent
// notifications resource registered.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"nudge",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("nudge schedules journaling check-in notifications."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("list_rules",
			mcp.WithDescription("List all check-in schedule rules."),
		),
		mcpListRules(deps),
	)

	s.AddTool(
		mcp.NewTool("add_daily_rule",
			mcp.WithDescription("Add a check-in that fires every day at a local time."),
			mcp.WithString("label", mcp.Description("Name shown as the notification title"), mcp.Required()),
			mcp.WithNumber("hour", mcp.Description("Hour of day, 0-23"), mcp.Required()),
			mcp.WithNumber("minute", mcp.Description("Minute, 0-59 (default 0)")),
		),
		mcpAddDailyRule(deps),
	)

	s.AddTool(
		mcp.NewTool("set_rule_enabled",
			mcp.WithDescription("Enable or disable a check-in rule."),
			mcp.WithString("id", mcp.Description("Rule id"), mcp.Required()),
			mcp.WithBoolean("enabled", mcp.Description("Whether the rule fires"), mcp.Required()),
		),
		mcpSetRuleEnabled(deps),
	)

	s.AddTool(
		mcp.NewTool("delete_rule",
			mcp.WithDescription("Delete a check-in rule and cancel its pending alarms."),
			mcp.WithString("id", mcp.Description("Rule id"), mcp.Required()),
		),
		mcpDeleteRule(deps),
	)

	s.AddResource(
		mcp.NewResource(
			recentNotificationsURI,
			"Recent Check-ins",
			mcp.WithResourceDescription("Last 10 check-in notifications shown to the user"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceRecent(deps),
	)

	return s
}

func mcpListRules(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		rules, err := deps.Store.ListRules()
		if err != nil {
			return mcpError(fmt.Sprintf("listing rules failed: %v", err)), nil
		}
		out := make([]RuleJSON, 0, len(rules))
		for _, r := range rules {
			out = append(out, RuleToJSON(r))
		}
		b, err := json.Marshal(out)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal rules: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpAddDailyRule(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		label, err := req.RequireString("label")
		if err != nil || strings.TrimSpace(label) == "" {
			return mcpError("label is required"), nil
		}
		hour, err := req.RequireInt("hour")
		if err != nil {
			return mcpError("hour is required"), nil
		}
		minute := req.GetInt("minute", 0)

		rule := schedule.Rule{
			ID:      uuid.New().String(),
			Label:   strings.TrimSpace(label),
			Type:    schedule.Daily{Hour: hour, Minute: minute},
			Enabled: true,
		}
		if err := rule.Validate(); err != nil {
			return mcpError(err.Error()), nil
		}
		if err := deps.Store.SaveRule(rule); err != nil {
			return mcpError(fmt.Sprintf("failed to save rule: %v", err)), nil
		}
		if err := deps.Scheduler.Schedule(ctx, rule); err != nil {
			return mcpError(fmt.Sprintf("rule %s saved but not scheduled: %v", rule.ID, err)), nil
		}
		return mcpText(fmt.Sprintf("Added daily rule %s at %02d:%02d", rule.ID, hour, minute)), nil
	}
}

func mcpSetRuleEnabled(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("id")
		if err != nil {
			return mcpError("id is required"), nil
		}
		enabled, err := req.RequireBool("enabled")
		if err != nil {
			return mcpError("enabled is required"), nil
		}

		if err := deps.Store.SetRuleEnabled(id, enabled); errors.Is(err, storage.ErrNotFound) {
			return mcpError(fmt.Sprintf("rule %s not found", id)), nil
		} else if err != nil {
			return mcpError(fmt.Sprintf("failed to update rule: %v", err)), nil
		}
		rule, err := deps.Store.GetRule(id)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to load rule: %v", err)), nil
		}
		if err := deps.Scheduler.Schedule(ctx, rule); err != nil {
			return mcpError(fmt.Sprintf("rule updated but not scheduled: %v", err)), nil
		}

		state := "disabled"
		if enabled {
			state = "enabled"
		}
		return mcpText(fmt.Sprintf("Rule %s %s", id, state)), nil
	}
}

func mcpDeleteRule(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("id")
		if err != nil {
			return mcpError("id is required"), nil
		}
		if err := deps.Store.DeleteRule(id); errors.Is(err, storage.ErrNotFound) {
			return mcpError(fmt.Sprintf("rule %s not found", id)), nil
		} else if err != nil {
			return mcpError(fmt.Sprintf("failed to delete rule: %v", err)), nil
		}
		if err := deps.Scheduler.Cancel(ctx, id); err != nil {
			return mcpError(fmt.Sprintf("rule deleted but alarms not cancelled: %v", err)), nil
		}
		return mcpText(fmt.Sprintf("Deleted rule %s", id)), nil
	}
}

func mcpResourceRecent(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		sent, err := deps.Store.RecentSentNotifications(10)
		if err != nil {
			return nil, fmt.Errorf("failed to get recent notifications: %w", err)
		}

		type summary struct {
			Title     string `json:"title"`
			Body      string `json:"body"`
			Topic     string `json:"topic,omitempty"`
			TimeOfDay string `json:"time_of_day"`
			SentAt    string `json:"sent_at"`
		}
		out := make([]summary, len(sent))
		for i, n := range sent {
			out[i] = summary{
				Title:     n.Title,
				Body:      n.Body,
				Topic:     n.TopicReference,
				TimeOfDay: n.TimeOfDay,
				SentAt:    n.SentAt.Format(time.RFC3339),
			}
		}

		b, err := json.Marshal(out)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal notifications: %w", err)
		}

		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
