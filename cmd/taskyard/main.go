// Command taskyard is the Taskyard CLI client.
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

	"github.com/GoCodeAlone/taskyard/internal/version"
)

const defaultServer = "http://localhost:9090"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cli := &Client{HTTPClient: &http.Client{Timeout: 15 * time.Second}}
	var serverURL string

	root := &cobra.Command{
		Use:           "taskyard",
		Short:         "Taskyard CLI",
		Version:       version.String(),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(*cobra.Command, []string) {
			cli.BaseURL = strings.TrimRight(serverURL, "/")
		},
	}
	root.PersistentFlags().StringVar(&serverURL, "server", defaultServer, "server URL")
	root.PersistentFlags().StringVar(&cli.Token, "token", os.Getenv("TASKYARD_TOKEN"), "bearer token or API key (or $TASKYARD_TOKEN)")
	root.PersistentFlags().BoolVar(&cli.JSON, "json", false, "print raw JSON responses")

	root.AddCommand(
		versionCmd(),
		statusCmd(cli),
		tasksCmd(cli),
		taskCmd(cli),
		linkCmd(cli),
		versionsCmd(cli),
		diffCmd(cli),
	)
	return root
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "taskyard %s\n", version.String())
		},
	}
}

func statusCmd(c *Client) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show server status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var result map[string]any
			if err := c.do(http.MethodGet, "/api/status", nil, &result); err != nil {
				return err
			}
			if c.JSON {
				return printJSON(cmd.OutOrStdout(), result)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "status:  %s\n", strVal(result["status"]))
			fmt.Fprintf(cmd.OutOrStdout(), "version: %s\n", strVal(result["version"]))
			return nil
		},
	}
}

// Client holds HTTP client state for CLI commands.
type Client struct {
	BaseURL    string
	Token      string
	JSON       bool
	HTTPClient *http.Client
}

// apiError is the server's error body.
type apiError struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
	Field string `json:"field"`
}

// do sends body as JSON (when non-nil) and decodes the response into v
// (when non-nil).
func (c *Client) do(method, path string, body, v any) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, c.BaseURL+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode >= 400 {
		raw, _ := io.ReadAll(resp.Body)
		var e apiError
		if json.Unmarshal(raw, &e) == nil && e.Error != "" {
			if e.Field != "" {
				return fmt.Errorf("%s (%s, field %s)", e.Error, e.Kind, e.Field)
			}
			return fmt.Errorf("%s (%s)", e.Error, e.Kind)
		}
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	if v == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

func query(params map[string]string) string {
	q := url.Values{}
	for k, v := range params {
		if v != "" {
			q.Set(k, v)
		}
	}
	if len(q) == 0 {
		return ""
	}
	return "?" + q.Encode()
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func strVal(v any) string {
	if v == nil {
		return ""
	}
	return fmt.Sprint(v)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}
