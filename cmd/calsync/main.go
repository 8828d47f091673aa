// Command calsync is the operator CLI for a running calsyncd. Every command
// talks to the daemon's HTTP API; nothing here touches the stores directly.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

type apiClient struct {
	baseURL string
	http    *http.Client
}

func (c *apiClient) do(method, path string, body any) (json.RawMessage, error) {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(encoded)
	}
	req, err := http.NewRequest(method, strings.TrimRight(c.baseURL, "/")+path, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var apiErr struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		if json.Unmarshal(payload, &apiErr) == nil && apiErr.Message != "" {
			return nil, fmt.Errorf("%s: %s", apiErr.Code, apiErr.Message)
		}
		return nil, fmt.Errorf("server returned status %d", resp.StatusCode)
	}
	return payload, nil
}

func printJSON(cmd *cobra.Command, payload json.RawMessage) error {
	var indented bytes.Buffer
	if err := json.Indent(&indented, payload, "", "  "); err != nil {
		cmd.Println(string(payload))
		return nil
	}
	cmd.Println(indented.String())
	return nil
}

func newRootCmd() *cobra.Command {
	var (
		server  string
		userID  string
		timeout time.Duration
		client  *apiClient
	)

	root := &cobra.Command{
		Use:           "calsync",
		Short:         "Operate a running calsyncd instance",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if server == "" {
				server = envOrDefault("CALSYNC_SERVER", "http://127.0.0.1:8880")
			}
			if userID == "" {
				userID = strings.TrimSpace(os.Getenv("CALSYNC_USER"))
			}
			if userID == "" && cmd.Name() != "cleanup" {
				return fmt.Errorf("user is required (--user or CALSYNC_USER)")
			}
			client = &apiClient{baseURL: server, http: &http.Client{Timeout: timeout}}
			return nil
		},
	}
	root.PersistentFlags().StringVar(&server, "server", "", "daemon base URL (default http://127.0.0.1:8880)")
	root.PersistentFlags().StringVar(&userID, "user", "", "user to operate on")
	root.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second, "request timeout")

	userPath := func(suffix string) string {
		return "/v1/users/" + url.PathEscape(userID) + suffix
	}

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show the user's provider connection and last run",
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := client.do(http.MethodGet, userPath("/sync/status"), nil)
			if err != nil {
				return err
			}
			return printJSON(cmd, payload)
		},
	}

	var strategy string
	syncCmd := &cobra.Command{
		Use:   "sync",
		Short: "Run a full reconciliation pass",
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := client.do(http.MethodPost, userPath("/sync"), map[string]string{"strategy": strategy})
			if err != nil {
				return err
			}
			return printJSON(cmd, payload)
		},
	}
	syncCmd.Flags().StringVar(&strategy, "strategy", "keep-both", "conflict strategy: prefer-local, prefer-external, keep-both")

	var runLimit int
	runsCmd := &cobra.Command{
		Use:   "runs",
		Short: "List recent sync runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := client.do(http.MethodGet, userPath(fmt.Sprintf("/sync/runs?limit=%d", runLimit)), nil)
			if err != nil {
				return err
			}
			return printJSON(cmd, payload)
		},
	}
	runsCmd.Flags().IntVar(&runLimit, "limit", 20, "maximum runs to return")

	eventsCmd := &cobra.Command{
		Use:   "events",
		Short: "List the user's events in the sync window",
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := client.do(http.MethodGet, userPath("/events"), nil)
			if err != nil {
				return err
			}
			return printJSON(cmd, payload)
		},
	}

	var onlyOpen bool
	conflictsCmd := &cobra.Command{
		Use:   "conflicts",
		Short: "List detected conflicts",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := userPath("/conflicts")
			if onlyOpen {
				path += "?resolved=false"
			}
			payload, err := client.do(http.MethodGet, path, nil)
			if err != nil {
				return err
			}
			return printJSON(cmd, payload)
		},
	}
	conflictsCmd.Flags().BoolVar(&onlyOpen, "open", false, "only unresolved conflicts")

	var resolution string
	resolveCmd := &cobra.Command{
		Use:   "resolve <conflict-id>",
		Short: "Resolve a stored conflict",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := userPath("/conflicts/" + url.PathEscape(args[0]) + "/resolve")
			payload, err := client.do(http.MethodPost, path, map[string]string{"resolution": resolution})
			if err != nil {
				return err
			}
			return printJSON(cmd, payload)
		},
	}
	resolveCmd.Flags().StringVar(&resolution, "resolution", "manual", "resolution: manual or a strategy name")

	var calendarID string
	watchCmd := &cobra.Command{
		Use:   "watch",
		Short: "Register a push notification channel for a calendar",
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := client.do(http.MethodPost, userPath("/channels"), map[string]string{"calendarId": calendarID})
			if err != nil {
				return err
			}
			return printJSON(cmd, payload)
		},
	}
	watchCmd.Flags().StringVar(&calendarID, "calendar", "primary", "calendar to watch")

	channelsCmd := &cobra.Command{
		Use:   "channels",
		Short: "List the user's notification channels",
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := client.do(http.MethodGet, userPath("/channels"), nil)
			if err != nil {
				return err
			}
			return printJSON(cmd, payload)
		},
	}

	unwatchCmd := &cobra.Command{
		Use:   "unwatch <channel-id>",
		Short: "Stop a notification channel",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := client.do(http.MethodDelete, userPath("/channels/"+url.PathEscape(args[0])), nil)
			if err != nil {
				return err
			}
			return printJSON(cmd, payload)
		},
	}

	enableCmd := &cobra.Command{
		Use:   "enable",
		Short: "Turn provider sync on for the user",
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := client.do(http.MethodPost, userPath("/sync/enabled"), map[string]bool{"enabled": true})
			if err != nil {
				return err
			}
			return printJSON(cmd, payload)
		},
	}
	disableCmd := &cobra.Command{
		Use:   "disable",
		Short: "Turn provider sync off for the user",
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := client.do(http.MethodPost, userPath("/sync/enabled"), map[string]bool{"enabled": false})
			if err != nil {
				return err
			}
			return printJSON(cmd, payload)
		},
	}

	disconnectCmd := &cobra.Command{
		Use:   "disconnect",
		Short: "Revoke the provider grant and clear event mappings",
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := client.do(http.MethodPost, userPath("/disconnect"), nil)
			if err != nil {
				return err
			}
			return printJSON(cmd, payload)
		},
	}

	cleanupCmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Sweep expired notification channels daemon-wide",
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := client.do(http.MethodPost, "/v1/admin/channels/cleanup", nil)
			if err != nil {
				return err
			}
			return printJSON(cmd, payload)
		},
	}

	root.AddCommand(
		statusCmd, syncCmd, runsCmd, eventsCmd,
		conflictsCmd, resolveCmd,
		watchCmd, channelsCmd, unwatchCmd,
		enableCmd, disableCmd, disconnectCmd, cleanupCmd,
	)
	return root
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}
