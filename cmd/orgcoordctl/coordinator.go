package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync/atomic"
	"text/tabwriter"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/jordanhubbard/orgcoord/pkg/messages"
	"github.com/jordanhubbard/orgcoord/pkg/models"
)

func coordinatorPath(entityID, action string) string {
	return fmt.Sprintf("/coordinator/%s/%s", url.PathEscape(entityID), action)
}

// printResponse prints whatever body came back, including error bodies
func printResponse(cmd *cobra.Command, data []byte, err error) error {
	if len(data) > 0 {
		outputJSON(cmd.OutOrStdout(), data)
	}
	return err
}

func newOrchestrateCommand() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "orchestrate <entity-id>",
		Short: "Start a pipeline run for an entity",
		Example: `  orgcoordctl orchestrate org-1
  orgcoordctl orchestrate org-1 --force`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := newClient().post(coordinatorPath(args[0], "orchestrate"), map[string]bool{"force": force})
			return printResponse(cmd, data, err)
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "Restart from discovery even if a run is in progress")
	return cmd
}

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status <entity-id>",
		Short: "Show an entity's coordinator state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := newClient().get(coordinatorPath(args[0], "status"))
			if err != nil || outputFormat != "table" {
				return printResponse(cmd, data, err)
			}
			return printStatusTable(cmd.OutOrStdout(), data)
		},
	}
}

func printStatusTable(w io.Writer, data []byte) error {
	var head struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	if head.Status != "" {
		fmt.Fprintln(w, head.Status)
		return nil
	}

	var s models.CoordinatorState
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("failed to parse state: %w", err)
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "ENTITY\t%s (%s)\n", s.EntityName, s.EntityID)
	fmt.Fprintf(tw, "PHASE\t%s\n", s.Phase)
	fmt.Fprintf(tw, "RUN\t%s\n", s.RunID)
	if s.ResourceLocator != nil {
		fmt.Fprintf(tw, "LOCATOR\t%s\n", *s.ResourceLocator)
	}
	fmt.Fprintf(tw, "ITEMS\t%d/%d processed\n", s.ItemsProcessed, s.ItemsTotal)
	fmt.Fprintf(tw, "HIGH VALUE\t%d\n", len(s.ItemsSucceededHighValue))
	fmt.Fprintf(tw, "ARTIFACTS\t%d/%d\n", s.ArtifactsGenerated, len(s.ItemsSucceededHighValue))
	fmt.Fprintf(tw, "RETRIES\t%d\n", s.RetryCount)
	if s.LastError != nil {
		fmt.Fprintf(tw, "LAST ERROR\t%s\n", *s.LastError)
	}
	return tw.Flush()
}

func newResetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "reset <entity-id>",
		Short: "Delete an entity's coordinator state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := newClient().post(coordinatorPath(args[0], "reset"), nil)
			return printResponse(cmd, data, err)
		},
	}
}

func newCompleteCommand() *cobra.Command {
	var (
		agent      string
		result     string
		resultFile string
		agentError string
		runID      string
		itemID     string
	)
	cmd := &cobra.Command{
		Use:   "complete <entity-id>",
		Short: "Report an agent outcome by hand",
		Example: `  orgcoordctl complete org-1 --agent discover --result '{"url":"https://acme.com/items"}'
  orgcoordctl complete org-1 --agent collect --result-file items.json
  orgcoordctl complete org-1 --agent process_item --item item-7 --error "timeout"`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := messages.ParseAgentKind(agent); err != nil {
				return err
			}
			body := messages.AgentCompletion{AgentKind: agent, Error: agentError, RunID: runID, ItemID: itemID}

			if resultFile != "" {
				raw, err := os.ReadFile(resultFile)
				if err != nil {
					return err
				}
				result = string(raw)
			}
			if result != "" {
				if !json.Valid([]byte(result)) {
					return fmt.Errorf("result is not valid JSON")
				}
				body.Result = json.RawMessage(result)
			}
			if body.Result == nil && body.Error == "" {
				return fmt.Errorf("one of --result, --result-file or --error is required")
			}

			data, err := newClient().post(coordinatorPath(args[0], "agent-complete"), body)
			return printResponse(cmd, data, err)
		},
	}
	cmd.Flags().StringVar(&agent, "agent", "", "Agent kind: "+agentKindList())
	cmd.Flags().StringVar(&result, "result", "", "Agent result as JSON")
	cmd.Flags().StringVar(&resultFile, "result-file", "", "Read the agent result from a file")
	cmd.Flags().StringVar(&agentError, "error", "", "Report an agent failure with this message")
	cmd.Flags().StringVar(&runID, "run-id", "", "Run the outcome belongs to")
	cmd.Flags().StringVar(&itemID, "item", "", "Item a failed process_item or generate_artifact task targeted")
	cmd.MarkFlagRequired("agent")
	return cmd
}

func agentKindList() string {
	names := make([]string, 0, len(messages.AllAgentKinds))
	for _, k := range messages.AllAgentKinds {
		names = append(names, string(k))
	}
	return strings.Join(names, ", ")
}

func newListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List coordinators resident on the server",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := newClient().get("/coordinators")
			if err != nil || outputFormat != "table" {
				return printResponse(cmd, data, err)
			}
			var resp struct {
				Coordinators []string `json:"coordinators"`
			}
			if err := json.Unmarshal(data, &resp); err != nil {
				return fmt.Errorf("failed to parse response: %w", err)
			}
			for _, id := range resp.Coordinators {
				fmt.Fprintln(cmd.OutOrStdout(), id)
			}
			return nil
		},
	}
}

func newHealthCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Show server health",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := newClient().get("/health")
			return printResponse(cmd, data, err)
		},
	}
}

func newLogsCommand() *cobra.Command {
	var (
		limit  int
		level  string
		source string
		entity string
	)
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Show recent server log lines",
		Example: `  orgcoordctl logs --entity org-1
  orgcoordctl logs --level error --limit 20`,
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			if limit > 0 {
				q.Set("limit", strconv.Itoa(limit))
			}
			if level != "" {
				q.Set("level", level)
			}
			if source != "" {
				q.Set("source", source)
			}
			if entity != "" {
				q.Set("entity", entity)
			}
			path := "/logs"
			if len(q) > 0 {
				path += "?" + q.Encode()
			}
			data, err := newClient().get(path)
			if err != nil || outputFormat != "table" {
				return printResponse(cmd, data, err)
			}

			var resp struct {
				Logs []struct {
					Timestamp string `json:"timestamp"`
					Level     string `json:"level"`
					Source    string `json:"source"`
					Entity    string `json:"entity"`
					Message   string `json:"message"`
				} `json:"logs"`
			}
			if err := json.Unmarshal(data, &resp); err != nil {
				return fmt.Errorf("failed to parse response: %w", err)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "TIME\tLEVEL\tSOURCE\tENTITY\tMESSAGE")
			for i := len(resp.Logs) - 1; i >= 0; i-- {
				e := resp.Logs[i]
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", e.Timestamp, e.Level, e.Source, e.Entity, e.Message)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum entries (server default 100)")
	cmd.Flags().StringVar(&level, "level", "", "Filter by level: info, warn, error")
	cmd.Flags().StringVar(&source, "source", "", "Filter by component, e.g. coordinator")
	cmd.Flags().StringVar(&entity, "entity", "", "Filter by entity id or name")
	return cmd
}

func newWatchCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "watch <entity-id>",
		Short: "Stream state snapshots for an entity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			wsURL, err := watchURL(serverURL, args[0])
			if err != nil {
				return err
			}
			conn, _, err := websocket.DefaultDialer.Dial(wsURL, newClient().authHeader())
			if err != nil {
				return fmt.Errorf("failed to connect: %w", err)
			}
			defer conn.Close()

			var interrupted atomic.Bool
			interrupt := make(chan os.Signal, 1)
			signal.Notify(interrupt, os.Interrupt)
			defer signal.Stop(interrupt)
			go func() {
				<-interrupt
				interrupted.Store(true)
				conn.Close()
			}()

			for {
				_, msg, err := conn.ReadMessage()
				if err != nil {
					if interrupted.Load() || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
						return nil
					}
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), string(msg))
			}
		},
	}
}

// watchURL converts the server's http(s) URL to the entity's ws(s) watch URL
func watchURL(server, entityID string) (string, error) {
	u, err := url.Parse(strings.TrimRight(server, "/"))
	if err != nil {
		return "", fmt.Errorf("invalid server URL: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http", "":
		u.Scheme = "ws"
	}
	return u.String() + coordinatorPath(entityID, "watch"), nil
}
