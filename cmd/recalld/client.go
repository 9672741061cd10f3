package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/recalld/internal/server"
)

var (
	submitSession  string
	submitTools    []string
	searchEntityID string
	searchLimit    int
	searchMin      float32
)

var submitCmd = &cobra.Command{
	Use:   "submit <user-text> <response-text>",
	Short: "Submit one interaction to a running daemon",
	Long: `Submit one user/assistant exchange for capture.

Examples:
  recalld submit "fix the login bug" "patched the session check" --session dev-1
  recalld submit "run the tests" "all green" --tools shell`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		var result json.RawMessage
		err := postJSON("/api/v1/interactions", server.SubmitRequest{
			SessionID:    submitSession,
			UserText:     args[0],
			ResponseText: args[1],
			ToolsUsed:    submitTools,
		}, &result)
		if err != nil {
			return err
		}
		return printJSON(result)
	},
}

var searchCmd = &cobra.Command{
	Use:   "search [query]",
	Short: "Search captured interactions by similarity",
	Long: `Search captured interactions.

With a query argument the query text is embedded and matched against all
indexed interactions. With --entity the neighbors of an already-captured
interaction are returned instead.

Examples:
  recalld search "authentication errors"
  recalld search --entity 3f5a... --limit 5`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		req := server.SearchRequest{
			EntityID:  searchEntityID,
			Limit:     searchLimit,
			Threshold: searchMin,
		}
		if len(args) > 0 {
			req.Query = args[0]
		}
		if (req.Query == "") == (req.EntityID == "") {
			return fmt.Errorf("provide either a query argument or --entity")
		}

		var resp server.SearchResponse
		if err := postJSON("/api/v1/search", req, &resp); err != nil {
			return err
		}

		fmt.Printf("%d result(s) via %s backend\n", len(resp.Results), resp.Backend)
		for i, r := range resp.Results {
			text := r.SourceText
			if idx := strings.IndexByte(text, '\n'); idx >= 0 {
				text = text[:idx]
			}
			fmt.Printf("%2d. %.4f  %s  %s\n", i+1, r.Score, r.EntityID, text)
		}
		return nil
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show capture statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		var stats json.RawMessage
		if err := getJSON("/api/v1/stats", &stats); err != nil {
			return err
		}
		return printJSON(stats)
	},
}

var drainCmd = &cobra.Command{
	Use:   "drain",
	Short: "Replay the recovery buffer now",
	RunE: func(cmd *cobra.Command, args []string) error {
		var resp server.DrainResponse
		if err := postJSON("/api/v1/drain", nil, &resp); err != nil {
			return err
		}
		fmt.Printf("drained %d buffered record(s)\n", resp.Drained)
		return nil
	},
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check daemon health",
	RunE: func(cmd *cobra.Command, args []string) error {
		var h json.RawMessage
		if err := getJSON("/health", &h); err != nil {
			return err
		}
		return printJSON(h)
	},
}

func init() {
	submitCmd.Flags().StringVar(&submitSession, "session", "cli", "session identifier")
	submitCmd.Flags().StringSliceVar(&submitTools, "tools", nil, "tools used during the exchange")
	searchCmd.Flags().StringVar(&searchEntityID, "entity", "", "search by captured interaction ID instead of query text")
	searchCmd.Flags().IntVar(&searchLimit, "limit", 10, "maximum number of results")
	searchCmd.Flags().Float32Var(&searchMin, "min-score", 0, "minimum similarity score")
}

func httpClient() *http.Client {
	return &http.Client{Timeout: 30 * time.Second}
}

func postJSON(path string, body, out interface{}) error {
	encoded, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encoding request: %w", err)
	}

	resp, err := httpClient().Post(serverURL+path, "application/json", bytes.NewReader(encoded))
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", serverURL, err)
	}
	defer resp.Body.Close()
	return decodeResponse(resp, out)
}

func getJSON(path string, out interface{}) error {
	resp, err := httpClient().Get(serverURL + path)
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", serverURL, err)
	}
	defer resp.Body.Close()
	return decodeResponse(resp, out)
}

func decodeResponse(resp *http.Response, out interface{}) error {
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("server returned %s: %s", resp.Status, strings.TrimSpace(string(data)))
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

func printJSON(raw json.RawMessage) error {
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		return err
	}
	buf.WriteByte('\n')
	_, err := buf.WriteTo(os.Stdout)
	return err
}
