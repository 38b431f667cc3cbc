package main

import (
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

const version = "0.1.0"

var serverURL string

func main() {
	rootCmd := &cobra.Command{
		Use:   "contextctl",
		Short: "contextctl - interact with a contextd server",
		Long: `contextctl is a command-line interface for the context engine daemon.
All output is structured JSON (pipe through jq for human-readable formatting).`,
		Version: version,
	}

	rootCmd.PersistentFlags().StringVarP(&serverURL, "server", "s", getDefaultServer(), "contextd server URL")

	rootCmd.AddCommand(newStatusCommand())
	rootCmd.AddCommand(newAssembleCommand())
	rootCmd.AddCommand(newCacheCommand())
	rootCmd.AddCommand(newSummaryCommand())
	rootCmd.AddCommand(newAlertsCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func getDefaultServer() string {
	if server := os.Getenv("CONTEXTD_SERVER"); server != "" {
		return server
	}
	return "http://localhost:8090"
}

// --- HTTP client ---

type Client struct {
	BaseURL string
	HTTP    *http.Client
}

func newClient() *Client {
	return &Client{
		BaseURL: serverURL,
		HTTP:    &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *Client) do(method, path string, params url.Values, data interface{}) ([]byte, error) {
	u := fmt.Sprintf("%s%s", c.BaseURL, path)
	if params != nil {
		u += "?" + params.Encode()
	}

	var body io.Reader
	if data != nil {
		jsonData, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal data: %w", err)
		}
		body = strings.NewReader(string(jsonData))
	}

	req, err := http.NewRequest(method, u, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if data != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("server error (%d): %s", resp.StatusCode, string(respBody))
	}

	return respBody, nil
}

func (c *Client) get(path string, params url.Values) ([]byte, error) {
	return c.do("GET", path, params, nil)
}

func (c *Client) post(path string, data interface{}) ([]byte, error) {
	return c.do("POST", path, nil, data)
}

// outputJSON pretty-prints raw JSON data.
func outputJSON(data []byte) {
	var v interface{}
	if err := json.Unmarshal(data, &v); err != nil {
		fmt.Println(string(data))
		return
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(v)
}

// --- Commands ---

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show server health",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := newClient().get("/api/v1/health", nil)
			if err != nil {
				return err
			}
			outputJSON(data)
			return nil
		},
	}
}

func newAssembleCommand() *cobra.Command {
	var (
		description string
		complexity  int
		domain      string
		requester   string
	)

	cmd := &cobra.Command{
		Use:   "assemble",
		Short: "Assemble context for a task",
		RunE: func(cmd *cobra.Command, args []string) error {
			req := map[string]interface{}{
				"description":  description,
				"requester_id": requester,
			}
			if cmd.Flags().Changed("complexity") {
				req["explicit_complexity"] = complexity
			}
			if domain != "" {
				req["domain_hint"] = domain
			}

			data, err := newClient().post("/api/v1/assemble", req)
			if err != nil {
				return err
			}
			outputJSON(data)
			return nil
		},
	}

	cmd.Flags().StringVarP(&description, "description", "d", "", "Task description")
	cmd.Flags().IntVarP(&complexity, "complexity", "c", 0, "Explicit complexity score (1-10)")
	cmd.Flags().StringVar(&domain, "domain", "", "Domain hint")
	cmd.Flags().StringVarP(&requester, "requester", "r", "", "Requester ID")
	cmd.MarkFlagRequired("description")

	return cmd
}

func newCacheCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect and manage the tiered cache",
	}
	cmd.AddCommand(newCacheStatsCommand())
	cmd.AddCommand(newCacheInvalidateCommand())
	return cmd
}

func newCacheStatsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show per-tier cache statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := newClient().get("/api/v1/cache/stats", nil)
			if err != nil {
				return err
			}
			outputJSON(data)
			return nil
		},
	}
}

func newCacheInvalidateCommand() *cobra.Command {
	var domain string

	cmd := &cobra.Command{
		Use:   "invalidate <key>",
		Short: "Evict a fragment key from every tier",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := newClient().post("/api/v1/cache/invalidate", map[string]string{
				"key":    args[0],
				"domain": domain,
			})
			if err != nil {
				return err
			}
			outputJSON(data)
			return nil
		},
	}

	cmd.Flags().StringVar(&domain, "domain", "generic", "Fragment domain")
	return cmd
}

func newSummaryCommand() *cobra.Command {
	var span string

	cmd := &cobra.Command{
		Use:   "summary",
		Short: "Show the rolling performance summary",
		RunE: func(cmd *cobra.Command, args []string) error {
			params := url.Values{}
			if span != "" {
				params.Set("span", span)
			}
			data, err := newClient().get("/api/v1/performance/summary", params)
			if err != nil {
				return err
			}
			outputJSON(data)
			return nil
		},
	}

	cmd.Flags().StringVar(&span, "span", "15m", "Summary window (Go duration)")
	return cmd
}

func newAlertsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "alerts",
		Short: "Show currently firing performance alerts",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := newClient().get("/api/v1/alerts", nil)
			if err != nil {
				return err
			}
			outputJSON(data)
			return nil
		},
	}
}
