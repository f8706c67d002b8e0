package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/kalambet/mediarelay/internal/api"
	"github.com/kalambet/mediarelay/internal/cleanup"
	"github.com/kalambet/mediarelay/internal/config"
)

// --- check ---

var checkCmd = &cobra.Command{
	Use:   "check <profile-id>",
	Short: "Start an immediate check of a profile",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/api/profiles/"+url.PathEscape(args[0])+"/check", nil)
		if err != nil {
			return err
		}
		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Check started for %s", result["profile_id"])
		return nil
	},
}

// --- profile ---

var profileCmd = &cobra.Command{
	Use:   "profile",
	Short: "Manage tracked profiles",
}

var profileAddCmd = &cobra.Command{
	Use:   "add <username>",
	Short: "Track a new profile",
	Long: `Track a new profile.

Examples:
  mediarelay profile add natgeo --webhook https://hooks.example/in
  mediarelay profile add natgeo --webhook https://hooks.example/in --interval 60 --no-stories`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		webhookURL, _ := cmd.Flags().GetString("webhook")
		interval, _ := cmd.Flags().GetInt("interval")
		noPosts, _ := cmd.Flags().GetBool("no-posts")
		noStories, _ := cmd.Flags().GetBool("no-stories")
		paused, _ := cmd.Flags().GetBool("paused")

		if webhookURL == "" {
			return fmt.Errorf("--webhook is required")
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/api/profiles", profileAddRequest(args[0], webhookURL, interval, !noPosts, !noStories, !paused))
		if err != nil {
			return err
		}
		var created api.ProfileView
		if err := decodeJSON(resp, &created); err != nil {
			return err
		}

		printSuccess("Tracking %s (id %s, every %d min)", created.Username, created.ID, created.CheckInterval)
		return nil
	},
}

func profileAddRequest(username, webhookURL string, interval int, posts, stories, active bool) api.ProfileRequest {
	req := api.ProfileRequest{
		Username:        &username,
		WebhookURL:      &webhookURL,
		DownloadPosts:   &posts,
		DownloadStories: &stories,
		Active:          &active,
	}
	if interval > 0 {
		req.CheckInterval = &interval
	}
	return req
}

var profileListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tracked profiles",
	RunE: func(cmd *cobra.Command, args []string) error {
		activeOnly, _ := cmd.Flags().GetBool("active")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		path := "/api/profiles"
		if activeOnly {
			path += "?active=true"
		}
		resp, err := client.get(cmd.Context(), path)
		if err != nil {
			return err
		}
		var profiles []api.ProfileView
		if err := decodeJSON(resp, &profiles); err != nil {
			return err
		}

		if len(profiles) == 0 {
			fmt.Println("No profiles tracked.")
			return nil
		}
		printProfiles(cmd.OutOrStdout(), profiles)
		return nil
	},
}

func printProfiles(w io.Writer, profiles []api.ProfileView) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tUSERNAME\tEVERY\tKINDS\tACTIVE\tLAST CHECK")
	for _, p := range profiles {
		var kinds []string
		if p.DownloadPosts {
			kinds = append(kinds, "posts")
		}
		if p.DownloadStories {
			kinds = append(kinds, "stories")
		}
		last := "never"
		if !p.LastCheckedAt.IsZero() {
			last = p.LastCheckedAt.Local().Format(time.DateTime)
		}
		fmt.Fprintf(tw, "%s\t%s\t%dm\t%s\t%t\t%s\n",
			p.ID, p.Username, p.CheckInterval, strings.Join(kinds, ","), p.Active, last)
	}
	tw.Flush()
}

var profileRmCmd = &cobra.Command{
	Use:   "rm <profile-id>",
	Short: "Stop tracking a profile",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.delete(cmd.Context(), "/api/profiles/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}
		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Removed profile %s", args[0])
		return nil
	},
}

func init() {
	profileAddCmd.Flags().String("webhook", "", "webhook URL new items are delivered to")
	profileAddCmd.Flags().Int("interval", 0, "check interval in minutes (default 30)")
	profileAddCmd.Flags().Bool("no-posts", false, "do not download posts")
	profileAddCmd.Flags().Bool("no-stories", false, "do not download stories")
	profileAddCmd.Flags().Bool("paused", false, "create the profile inactive")
	profileListCmd.Flags().Bool("active", false, "only list active profiles")

	profileCmd.AddCommand(profileAddCmd)
	profileCmd.AddCommand(profileListCmd)
	profileCmd.AddCommand(profileRmCmd)
}

// --- logs ---

var logsCmd = &cobra.Command{
	Use:   "logs",
	Short: "Show recent system logs",
	RunE: func(cmd *cobra.Command, args []string) error {
		level, _ := cmd.Flags().GetString("level")
		profileID, _ := cmd.Flags().GetString("profile")
		limit, _ := cmd.Flags().GetInt("limit")
		follow, _ := cmd.Flags().GetBool("follow")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		if follow {
			return followLogs(cmd.Context(), client, cmd.OutOrStdout())
		}

		q := url.Values{}
		if level != "" {
			q.Set("level", level)
		}
		if profileID != "" {
			q.Set("profile_id", profileID)
		}
		if limit > 0 {
			q.Set("limit", fmt.Sprint(limit))
		}
		path := "/api/logs"
		if len(q) > 0 {
			path += "?" + q.Encode()
		}

		resp, err := client.get(cmd.Context(), path)
		if err != nil {
			return err
		}
		var logs []api.LogView
		if err := decodeJSON(resp, &logs); err != nil {
			return err
		}

		// Oldest first reads naturally in a terminal.
		for i := len(logs) - 1; i >= 0; i-- {
			fmt.Println(formatLogLine(logs[i]))
		}
		return nil
	},
}

func formatLogLine(e api.LogView) string {
	line := fmt.Sprintf("%s %s %s",
		e.CreatedAt.Local().Format(time.DateTime),
		colorize(levelColor(e.Level), fmt.Sprintf("%-7s", strings.ToUpper(e.Level))),
		e.Message)
	if e.ProfileID != "" {
		line += " profile_id=" + e.ProfileID
	}
	if e.Details != "" {
		line += " " + e.Details
	}
	return line
}

// followLogs prints entries from the live stream until ctx is done or the
// server closes the connection.
func followLogs(ctx context.Context, c *apiClient, w io.Writer) error {
	stream := &apiClient{baseURL: c.baseURL, token: c.token, httpClient: &http.Client{}}
	resp, err := stream.get(ctx, "/api/logs/stream")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return decodeJSON(resp, nil)
	}

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		data, ok := strings.CutPrefix(scanner.Text(), "data: ")
		if !ok {
			continue
		}
		var e api.LogView
		if err := json.Unmarshal([]byte(data), &e); err != nil {
			continue
		}
		fmt.Fprintln(w, formatLogLine(e))
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("reading log stream: %w", err)
	}
	return nil
}

func init() {
	logsCmd.Flags().String("level", "", "filter by level (info, warning, error)")
	logsCmd.Flags().String("profile", "", "filter by profile id")
	logsCmd.Flags().Int("limit", 50, "maximum number of entries")
	logsCmd.Flags().BoolP("follow", "f", false, "stream new entries as they are logged")
}

// --- sweep ---

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Delete media of items delivered longer ago than the retention",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/api/cleanup", nil)
		if err != nil {
			return err
		}
		var res cleanup.Result
		if err := decodeJSON(resp, &res); err != nil {
			return err
		}

		printSuccess("Swept %d items: %d removed, %d already gone, %d failed", res.Scanned, res.Removed, res.Missing, res.Failed)
		if res.LogsPruned > 0 {
			printStatus("Logs pruned", "%d", res.LogsPruned)
		}
		return nil
	},
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		keys := config.ShowAll(cfg)
		for _, k := range keys {
			fmt.Printf("  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		if err := cfg.Validate(); err != nil {
			fmt.Fprintln(os.Stderr)
			printWarning("%v", err)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}
