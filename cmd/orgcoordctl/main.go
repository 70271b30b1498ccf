package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

const version = "0.1.0"

var (
	serverURL    string
	outputFormat string
	authToken    string
	apiKey       string
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "orgcoordctl",
		Short: "orgcoord CLI - drive and inspect entity coordinators",
		Long: `orgcoordctl talks to an orgcoord server.
Output is JSON by default (pipe through jq); -o table prints a summary.`,
		Version:      version,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&serverURL, "server", "s", getDefaultServer(), "orgcoord server URL")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "json", "Output format: json, table")
	rootCmd.PersistentFlags().StringVar(&authToken, "token", os.Getenv("ORGCOORD_TOKEN"), "Bearer token (env ORGCOORD_TOKEN)")
	rootCmd.PersistentFlags().StringVar(&apiKey, "api-key", os.Getenv("ORGCOORD_API_KEY"), "API key (env ORGCOORD_API_KEY)")

	rootCmd.AddCommand(newOrchestrateCommand())
	rootCmd.AddCommand(newStatusCommand())
	rootCmd.AddCommand(newResetCommand())
	rootCmd.AddCommand(newCompleteCommand())
	rootCmd.AddCommand(newListCommand())
	rootCmd.AddCommand(newWatchCommand())
	rootCmd.AddCommand(newHealthCommand())
	rootCmd.AddCommand(newLogsCommand())
	rootCmd.AddCommand(newTokenCommand())
	rootCmd.AddCommand(newHashKeyCommand())
	return rootCmd
}

func getDefaultServer() string {
	if server := os.Getenv("ORGCOORD_SERVER"); server != "" {
		return server
	}
	return "http://localhost:8080"
}

// --- HTTP client ---

type Client struct {
	BaseURL string
	HTTP    *http.Client
	Token   string
	APIKey  string
}

func newClient() *Client {
	return &Client{
		BaseURL: strings.TrimRight(serverURL, "/"),
		HTTP:    &http.Client{Timeout: 30 * time.Second},
		Token:   authToken,
		APIKey:  apiKey,
	}
}

// authHeader returns the credentials to send, preferring a token
func (c *Client) authHeader() http.Header {
	h := http.Header{}
	switch {
	case c.Token != "":
		h.Set("Authorization", "Bearer "+c.Token)
	case c.APIKey != "":
		h.Set("X-API-Key", c.APIKey)
	}
	return h
}

// ServerError carries a non-2xx response; Body is still printable JSON
type ServerError struct {
	StatusCode int
	Body       []byte
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("server error (%d): %s", e.StatusCode, strings.TrimSpace(string(e.Body)))
}

func (c *Client) do(method, path string, data interface{}) ([]byte, error) {
	var body io.Reader
	if data != nil {
		jsonData, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal data: %w", err)
		}
		body = strings.NewReader(string(jsonData))
	}

	req, err := http.NewRequest(method, c.BaseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header = c.authHeader()
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
		return respBody, &ServerError{StatusCode: resp.StatusCode, Body: respBody}
	}
	return respBody, nil
}

func (c *Client) get(path string) ([]byte, error) {
	return c.do(http.MethodGet, path, nil)
}

func (c *Client) post(path string, data interface{}) ([]byte, error) {
	return c.do(http.MethodPost, path, data)
}

// outputJSON pretty-prints JSON data to w, or prints it raw if it is not JSON
func outputJSON(w io.Writer, data []byte) {
	var v interface{}
	if err := json.Unmarshal(data, &v); err != nil {
		fmt.Fprintln(w, string(data))
		return
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.Encode(v)
}
