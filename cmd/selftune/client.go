package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spf13/cobra"
)

// apiClient is a minimal JSON client for the operator API of a running loop.
type apiClient struct {
	base string
	http *http.Client
}

func newAPIClient() *apiClient {
	return &apiClient{
		base: serverAddr,
		http: &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *apiClient) do(method, path string, body interface{}) (json.RawMessage, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, c.base+path, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("is the loop running? %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			return nil, fmt.Errorf("%s", apiErr.Error)
		}
		return nil, fmt.Errorf("%s %s: %s", method, path, resp.Status)
	}
	return data, nil
}

func (c *apiClient) get(path string) (json.RawMessage, error) {
	return c.do(http.MethodGet, path, nil)
}

func (c *apiClient) post(path string, body interface{}) (json.RawMessage, error) {
	return c.do(http.MethodPost, path, body)
}

// printJSON re-indents a raw API response for the terminal.
func printJSON(raw json.RawMessage) error {
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		fmt.Println(string(raw))
		return nil
	}
	fmt.Println(buf.String())
	return nil
}

func getAndPrint(path string) error {
	raw, err := newAPIClient().get(path)
	if err != nil {
		return err
	}
	return printJSON(raw)
}

func postAndPrint(path string, body interface{}) error {
	raw, err := newAPIClient().post(path, body)
	if err != nil {
		return err
	}
	return printJSON(raw)
}

var (
	historyLimit   int
	historyStatus  string
	historyOutcome string
	pauseReason    string
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show loop state, current metrics, and baselines",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getAndPrint("/api/status")
	},
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Force an immediate health check cycle",
	RunE: func(cmd *cobra.Command, args []string) error {
		return postAndPrint("/api/check", nil)
	},
}

var diagnosticsCmd = &cobra.Command{
	Use:   "diagnostics",
	Short: "List recent diagnoses",
	RunE: func(cmd *cobra.Command, args []string) error {
		path := fmt.Sprintf("/api/diagnoses?limit=%d", historyLimit)
		if historyStatus != "" {
			path += "&status=" + historyStatus
		}
		return getAndPrint(path)
	},
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List executed actions and their learning outcomes",
	RunE: func(cmd *cobra.Command, args []string) error {
		client := newAPIClient()
		actionsPath := fmt.Sprintf("/api/actions?limit=%d", historyLimit)
		if historyOutcome != "" {
			actionsPath += "&outcome=" + historyOutcome
		}
		actions, err := client.get(actionsPath)
		if err != nil {
			return err
		}
		learnings, err := client.get(fmt.Sprintf("/api/learnings?limit=%d", historyLimit))
		if err != nil {
			return err
		}
		fmt.Println("Actions:")
		printJSON(actions)
		fmt.Println("Learnings:")
		return printJSON(learnings)
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show the live runtime configuration and active overrides",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getAndPrint("/api/config")
	},
}

var baselinesCmd = &cobra.Command{
	Use:   "baselines",
	Short: "Show the learned per-metric baselines",
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, err := newAPIClient().get("/api/status")
		if err != nil {
			return err
		}
		var status struct {
			Baselines json.RawMessage `json:"baselines"`
		}
		if err := json.Unmarshal(raw, &status); err != nil {
			return err
		}
		return printJSON(status.Baselines)
	},
}

var breakerCmd = &cobra.Command{
	Use:   "circuit-breaker",
	Short: "Show or reset the safety circuit breaker",
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, err := newAPIClient().get("/api/status")
		if err != nil {
			return err
		}
		var status struct {
			Breaker json.RawMessage `json:"breaker"`
		}
		if err := json.Unmarshal(raw, &status); err != nil {
			return err
		}
		return printJSON(status.Breaker)
	},
}

var breakerResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Force the circuit breaker closed",
	RunE: func(cmd *cobra.Command, args []string) error {
		return postAndPrint("/api/breaker/reset", nil)
	},
}

var pauseCmd = &cobra.Command{
	Use:   "pause [duration]",
	Short: "Pause the loop for a duration, or until resumed (persists across restarts)",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		body := map[string]interface{}{"reason": pauseReason}
		if len(args) == 1 {
			d, err := time.ParseDuration(args[0])
			if err != nil {
				return fmt.Errorf("invalid duration %q: %w", args[0], err)
			}
			body["duration_seconds"] = int64(d.Seconds())
		}
		return postAndPrint("/api/pause", body)
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Resume a paused loop",
	RunE: func(cmd *cobra.Command, args []string) error {
		return postAndPrint("/api/resume", nil)
	},
}

var approveCmd = &cobra.Command{
	Use:   "approve <diagnosis-id>",
	Short: "Approve a pending diagnosis and execute its action",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return postAndPrint("/api/diagnoses/"+args[0]+"/approve", nil)
	},
}

var rejectCmd = &cobra.Command{
	Use:   "reject <diagnosis-id> [reason]",
	Short: "Reject a pending diagnosis",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		reason := ""
		if len(args) == 2 {
			reason = args[1]
		}
		return postAndPrint("/api/diagnoses/"+args[0]+"/reject", map[string]string{"reason": reason})
	},
}

var rollbackCmd = &cobra.Command{
	Use:   "rollback <action-id>",
	Short: "Revert an executed action to its previous value",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return postAndPrint("/api/actions/"+args[0]+"/rollback", nil)
	},
}

func init() {
	diagnosticsCmd.Flags().IntVar(&historyLimit, "limit", 20, "Maximum entries to return")
	diagnosticsCmd.Flags().StringVar(&historyStatus, "status", "", "Filter by status (pending, executed, failed, ...)")
	historyCmd.Flags().IntVar(&historyLimit, "limit", 20, "Maximum entries to return")
	historyCmd.Flags().StringVar(&historyOutcome, "outcome", "", "Filter actions by outcome (success, failed, rolled_back)")
	pauseCmd.Flags().StringVar(&pauseReason, "reason", "operator pause", "Reason recorded with the pause")
	breakerCmd.AddCommand(breakerResetCmd)
}
