package main

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/kalambet/nudge/internal/api"
	"github.com/kalambet/nudge/internal/config"
	"github.com/kalambet/nudge/internal/storage"
)

// jobPollInterval is how often --wait polls a queued job.
var jobPollInterval = time.Second

// --- rules ---

var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "Manage check-in schedules",
}

var rulesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List schedule rules",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		var rules []api.RuleJSON
		if err := client.call(cmd.Context(), http.MethodGet, "/rules", nil, &rules); err != nil {
			return err
		}
		if len(rules) == 0 {
			fmt.Println("No rules. Add one with `nudge rules add`.")
			return nil
		}
		for _, r := range rules {
			state := colorize(colorGreen, "on ")
			if r.Enabled != nil && !*r.Enabled {
				state = colorize(colorDim, "off")
			}
			fmt.Printf("%s  %s  %-24s %s\n", colorize(colorCyan, shortID(r.ID)), state, clip(r.Label, 24), describeRule(r))
		}
		return nil
	},
}

var rulesAddCmd = &cobra.Command{
	Use:   "add <label>",
	Short: "Add a schedule rule",
	Long: `Add a schedule rule.

Examples:
  nudge rules add "Morning pages" --daily --at 07:30
  nudge rules add "Weekly review" --weekly --days fri --at 17:00
  nudge rules add "Stretch" --every 90 --unit minutes
  nudge rules add "Before the trip" --date 2026-12-20 --at 09:00`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rule, err := ruleFromFlags(cmd, strings.Join(args, " "))
		if err != nil {
			return err
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		var created api.RuleJSON
		if err := client.call(cmd.Context(), http.MethodPost, "/rules", rule, &created); err != nil {
			return err
		}
		printSuccess("Added rule %s: %s", shortID(created.ID), describeRule(created))
		return nil
	},
}

func init() {
	rulesAddCmd.Flags().Bool("daily", false, "fire every day at --at")
	rulesAddCmd.Flags().Bool("weekly", false, "fire on --days at --at")
	rulesAddCmd.Flags().String("at", "", "time of day, HH:MM (24h)")
	rulesAddCmd.Flags().String("days", "", "comma-separated weekdays for --weekly (mon,wed,fri)")
	rulesAddCmd.Flags().Int("every", 0, "interval length")
	rulesAddCmd.Flags().String("unit", "hours", "interval unit: minutes, hours, days or weeks")
	rulesAddCmd.Flags().String("date", "", "one-time date, YYYY-MM-DD")
}

// ruleFromFlags builds the wire form of a rule from rules add flags.
func ruleFromFlags(cmd *cobra.Command, label string) (api.RuleJSON, error) {
	daily, _ := cmd.Flags().GetBool("daily")
	weekly, _ := cmd.Flags().GetBool("weekly")
	at, _ := cmd.Flags().GetString("at")
	days, _ := cmd.Flags().GetString("days")
	every, _ := cmd.Flags().GetInt("every")
	unit, _ := cmd.Flags().GetString("unit")
	date, _ := cmd.Flags().GetString("date")

	rule := api.RuleJSON{Label: label}

	chosen := 0
	for _, set := range []bool{daily, weekly, every > 0, date != ""} {
		if set {
			chosen++
		}
	}
	if chosen != 1 {
		return rule, fmt.Errorf("choose exactly one of --daily, --weekly, --every or --date")
	}

	if every > 0 {
		rule.Kind = "interval"
		rule.IntervalValue = every
		rule.IntervalUnit = strings.ToUpper(unit)
		return rule, nil
	}

	if at == "" {
		return rule, fmt.Errorf("--at is required")
	}
	hour, minute, err := parseClock(at)
	if err != nil {
		return rule, err
	}
	rule.Hour, rule.Minute = hour, minute

	switch {
	case daily:
		rule.Kind = "daily"
	case weekly:
		rule.Kind = "weekly"
		for _, d := range strings.Split(days, ",") {
			if d = strings.TrimSpace(d); d != "" {
				rule.Days = append(rule.Days, d)
			}
		}
		if len(rule.Days) == 0 {
			return rule, fmt.Errorf("--weekly needs --days")
		}
	default:
		rule.Kind = "one_time"
		rule.Date = date
	}
	return rule, nil
}

func parseClock(s string) (int, int, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return 0, 0, fmt.Errorf("invalid time %q, want HH:MM", s)
	}
	return t.Hour(), t.Minute(), nil
}

func describeRule(r api.RuleJSON) string {
	at := fmt.Sprintf("%02d:%02d", r.Hour, r.Minute)
	switch r.Kind {
	case "interval":
		return fmt.Sprintf("every %d %s", r.IntervalValue, strings.ToLower(r.IntervalUnit))
	case "daily":
		return "daily at " + at
	case "weekly":
		names := make([]string, len(r.Days))
		for i, d := range r.Days {
			if len(d) > 3 {
				d = d[:3]
			}
			names[i] = d
		}
		return fmt.Sprintf("%s at %s", strings.Join(names, ","), at)
	case "one_time":
		return fmt.Sprintf("once on %s at %s", r.Date, at)
	default:
		return r.Kind
	}
}

func ruleAction(use, short, action, done string) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newAPIClient()
			if err != nil {
				return err
			}
			path := "/rules/" + url.PathEscape(args[0])
			if action != "" {
				path += "/" + action
			}
			method := http.MethodPost
			if action == "" {
				method = http.MethodDelete
			}
			if err := client.call(cmd.Context(), method, path, nil, nil); err != nil {
				return err
			}
			printSuccess("Rule %s %s", args[0], done)
			return nil
		},
	}
}

var rulesTriggerCmd = &cobra.Command{
	Use:   "trigger <id>",
	Short: "Show a rule's check-in now without changing its schedule",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		wait, _ := cmd.Flags().GetBool("wait")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		var queued map[string]string
		if err := client.call(cmd.Context(), http.MethodPost, "/rules/"+url.PathEscape(args[0])+"/trigger", nil, &queued); err != nil {
			return err
		}
		jobID := queued["job_id"]
		if !wait {
			printSuccess("Queued check-in job %s", jobID)
			return nil
		}

		printStep("Waiting for job %s...", jobID)
		job, err := waitForJob(cmd.Context(), client, jobID)
		if err != nil {
			return err
		}
		if job.Status != storage.JobCompleted {
			return fmt.Errorf("job %s %s: %s", jobID, job.Status, job.LastError)
		}
		printSuccess("Check-in delivered")
		return nil
	},
}

func init() {
	rulesTriggerCmd.Flags().Bool("wait", false, "wait for the job to finish")
	rulesCmd.AddCommand(
		rulesListCmd,
		rulesAddCmd,
		ruleAction("enable", "Enable a rule and schedule it", "enable", "enabled"),
		ruleAction("disable", "Disable a rule and cancel its alarms", "disable", "disabled"),
		ruleAction("delete", "Delete a rule", "", "deleted"),
		rulesTriggerCmd,
	)
}

// waitForJob polls a job until it leaves the pending and running states.
func waitForJob(ctx context.Context, client *apiClient, id string) (api.JobJSON, error) {
	for {
		var job api.JobJSON
		if err := client.call(ctx, http.MethodGet, "/jobs/"+url.PathEscape(id), nil, &job); err != nil {
			return job, err
		}
		if job.Status != storage.JobPending && job.Status != storage.JobRunning {
			return job, nil
		}
		select {
		case <-ctx.Done():
			return job, ctx.Err()
		case <-time.After(jobPollInterval):
		}
	}
}

// --- journal ---

var journalCmd = &cobra.Command{
	Use:   "journal",
	Short: "Write or read journal entries",
}

var journalAddCmd = &cobra.Command{
	Use:   "add <text>",
	Short: "Add a journal entry",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		mood, _ := cmd.Flags().GetString("mood")
		tagsStr, _ := cmd.Flags().GetString("tags")

		req := api.JournalRequest{Content: strings.Join(args, " "), Mood: mood}
		if tagsStr != "" {
			for _, t := range strings.Split(tagsStr, ",") {
				if t = strings.TrimSpace(t); t != "" {
					req.Tags = append(req.Tags, t)
				}
			}
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		var entry api.JournalEntryJSON
		if err := client.call(cmd.Context(), http.MethodPost, "/journal", req, &entry); err != nil {
			return err
		}
		printSuccess("Saved entry %s", shortID(entry.ID))
		return nil
	},
}

var journalListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent journal entries",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		var entries []api.JournalEntryJSON
		if err := client.call(cmd.Context(), http.MethodGet, "/journal?limit="+strconv.Itoa(limit), nil, &entries); err != nil {
			return err
		}
		if len(entries) == 0 {
			fmt.Println("No journal entries.")
			return nil
		}
		for _, e := range entries {
			mood := ""
			if e.Mood != "" {
				mood = " [" + e.Mood + "]"
			}
			fmt.Printf("%s%s  %s\n", colorize(colorCyan, e.CreatedAt.Local().Format("2006-01-02 15:04")), mood, clip(e.Content, 80))
		}
		return nil
	},
}

func init() {
	journalAddCmd.Flags().String("mood", "", "mood label")
	journalAddCmd.Flags().String("tags", "", "comma-separated tags")
	journalListCmd.Flags().Int("limit", 20, "maximum number of entries")
	journalCmd.AddCommand(journalAddCmd, journalListCmd)
}

// --- chat ---

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Talk to the journaling assistant",
}

var chatSendCmd = &cobra.Command{
	Use:   "send <message>",
	Short: "Send a message; the reply is generated in the background",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		conv, _ := cmd.Flags().GetString("conversation")
		wait, _ := cmd.Flags().GetBool("wait")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		var sent api.SendMessageResponse
		path := "/conversations/" + url.PathEscape(conv) + "/messages"
		if err := client.call(cmd.Context(), http.MethodPost, path, api.SendMessageRequest{Content: strings.Join(args, " ")}, &sent); err != nil {
			return err
		}
		if !wait {
			printSuccess("Sent. The reply will arrive as a notification (job %s)", shortID(sent.JobID))
			return nil
		}

		if _, err := waitForJob(cmd.Context(), client, sent.JobID); err != nil {
			return err
		}
		var msgs []api.MessageJSON
		if err := client.call(cmd.Context(), http.MethodGet, path, nil, &msgs); err != nil {
			return err
		}
		for _, m := range msgs {
			if m.ID != sent.MessageID {
				continue
			}
			if m.Status == string(storage.MessageFailed) {
				return fmt.Errorf("reply failed: %s", m.Error)
			}
			fmt.Println(m.Content)
			return nil
		}
		return fmt.Errorf("reply %s not found", sent.MessageID)
	},
}

var chatHistoryCmd = &cobra.Command{
	Use:   "history",
	Short: "Show the messages of a conversation",
	RunE: func(cmd *cobra.Command, args []string) error {
		conv, _ := cmd.Flags().GetString("conversation")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		var msgs []api.MessageJSON
		if err := client.call(cmd.Context(), http.MethodGet, "/conversations/"+url.PathEscape(conv)+"/messages", nil, &msgs); err != nil {
			return err
		}
		for _, m := range msgs {
			who := colorize(colorBold, m.Role)
			if m.Status != string(storage.MessageCompleted) {
				who += colorize(colorDim, " ("+m.Status+")")
			}
			fmt.Printf("%s: %s\n", who, m.Content)
		}
		return nil
	},
}

func init() {
	for _, c := range []*cobra.Command{chatSendCmd, chatHistoryCmd} {
		c.Flags().String("conversation", "default", "conversation id")
	}
	chatSendCmd.Flags().Bool("wait", false, "wait for the reply and print it")
	chatCmd.AddCommand(chatSendCmd, chatHistoryCmd)
}

// --- notifications ---

var notificationsCmd = &cobra.Command{
	Use:   "notifications",
	Short: "Show recently sent check-ins",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		var sent []api.SentNotificationJSON
		if err := client.call(cmd.Context(), http.MethodGet, "/notifications?limit="+strconv.Itoa(limit), nil, &sent); err != nil {
			return err
		}
		if len(sent) == 0 {
			fmt.Println("No notifications sent yet.")
			return nil
		}
		for _, n := range sent {
			fmt.Printf("%s  %-9s %s: %s\n",
				colorize(colorCyan, n.SentAt.Local().Format("2006-01-02 15:04")),
				n.TimeOfDay,
				colorize(colorBold, n.Title),
				clip(n.Body, 70),
			)
		}
		return nil
	},
}

func init() {
	notificationsCmd.Flags().Int("limit", 20, "maximum number of notifications")
}

// --- settings ---

var settingsCmd = &cobra.Command{
	Use:   "settings",
	Short: "Show or change notification settings",
}

var settingsShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show settings as JSON",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		var s api.SettingsResponse
		if err := client.call(cmd.Context(), http.MethodGet, "/settings", nil, &s); err != nil {
			return err
		}
		return printJSON(os.Stdout, s)
	},
}

var settingsSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a setting (booleans as true/false, lists comma-separated)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		if err := client.call(cmd.Context(), http.MethodPatch, "/settings", map[string]any{key: settingValue(key, value)}, nil); err != nil {
			return err
		}
		if key == "api_key" {
			printSuccess("API key updated")
		} else {
			printSuccess("Set %s = %s", key, value)
		}
		return nil
	},
}

// settingValue converts a command-line value to the JSON type the
// settings endpoint expects for key.
func settingValue(key, value string) any {
	if key == "blocked_channels" {
		var list []string
		for _, v := range strings.Split(value, ",") {
			if v = strings.TrimSpace(v); v != "" {
				list = append(list, v)
			}
		}
		if list == nil {
			list = []string{}
		}
		return list
	}
	if b, err := strconv.ParseBool(value); err == nil && key != "api_key" {
		return b
	}
	return value
}

var settingsSignInCmd = &cobra.Command{
	Use:   "sign-in <user-id>",
	Short: "Start a session for a user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		if err := client.call(cmd.Context(), http.MethodPut, "/session", api.SessionRequest{UserID: args[0]}, nil); err != nil {
			return err
		}
		printSuccess("Signed in as %s", args[0])
		return nil
	},
}

var settingsSignOutCmd = &cobra.Command{
	Use:   "sign-out",
	Short: "End the current session",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		if err := client.call(cmd.Context(), http.MethodDelete, "/session", nil, nil); err != nil {
			return err
		}
		printSuccess("Signed out")
		return nil
	},
}

var settingsDeviceCmd = &cobra.Command{
	Use:   "device <token>",
	Short: "Register the push token of this device",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		if err := client.call(cmd.Context(), http.MethodPut, "/device", api.DeviceRequest{Token: args[0]}, nil); err != nil {
			return err
		}
		printSuccess("Device registered")
		return nil
	},
}

func init() {
	settingsCmd.AddCommand(settingsShowCmd, settingsSetCmd, settingsSignInCmd, settingsSignOutCmd, settingsDeviceCmd)
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update server configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		for _, k := range config.ShowAll(cfg) {
			fmt.Printf("  %s = %s  %s\n", colorize(colorBold, k.Key), k.Value, colorize(colorDim, k.EnvVar))
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value. Valid keys: " + strings.Join(config.ValidKeys(), ", "),
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]
		if err := config.SetKey(key, value); err != nil {
			return err
		}
		printSuccess("Set %s = %s", key, value)
		printWarning("Restart the server for the change to take effect")
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd, configSetCmd)
}
