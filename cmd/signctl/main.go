// Package main はCLIツールのエントリポイント。
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

const version = "1.0.0"

var (
	apiURL  string
	output  string
	timeout time.Duration
)

// HTTPクライアント
var httpClient *http.Client

func main() {
	rootCmd := &cobra.Command{
		Use:   "signctl",
		Short: "Remote Signing Service CLI",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if apiURL == "" {
				apiURL = os.Getenv("SIGNCTL_API_URL")
			}
			httpClient = &http.Client{Timeout: timeout}
		},
	}

	// グローバルフラグ
	rootCmd.PersistentFlags().StringVar(&apiURL, "api-url", "", "API endpoint URL (or set SIGNCTL_API_URL)")
	rootCmd.PersistentFlags().StringVar(&output, "output", "text", "Output format: text, json")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second, "Request timeout")

	// サブコマンド登録
	rootCmd.AddCommand(poolCmd())
	rootCmd.AddCommand(sessionCmd())
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// versionCmd はバージョン情報を表示する。
func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("signctl version %s\n", version)
		},
	}
}

// poolCmd は鍵プール操作のコマンド群。
func poolCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pool",
		Short: "Inspect and replenish key pools",
	}
	cmd.AddCommand(poolStatusCmd(), poolReplenishCmd(), poolOrphansCmd())
	return cmd
}

func poolStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the number of keys in each pool",
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := callAPI(http.MethodGet, "/admin/key-pools", http.StatusOK)
			if err != nil {
				return err
			}
			if output == "json" {
				fmt.Println(string(body))
				return nil
			}

			var pools []struct {
				Partition string `json:"partition"`
				Algorithm string `json:"algorithm"`
				Usage     string `json:"usage"`
				Desired   int    `json:"desired"`
				Usable    int    `json:"usable"`
				Total     int    `json:"total"`
			}
			if err := json.Unmarshal(body, &pools); err != nil {
				return fmt.Errorf("parsing response: %w", err)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
			fmt.Fprintln(w, "PARTITION\tALGORITHM\tUSAGE\tUSABLE\tDESIRED\tTOTAL")
			for _, p := range pools {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%d\n", p.Partition, p.Algorithm, p.Usage, p.Usable, p.Desired, p.Total)
			}
			return w.Flush()
		},
	}
}

func poolReplenishCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "replenish",
		Short: "Generate keys until every pool reaches its desired size",
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := callAPI(http.MethodPost, "/admin/key-pools/replenish", http.StatusOK)
			if err != nil {
				return err
			}
			if output == "json" {
				fmt.Println(string(body))
				return nil
			}

			var results []struct {
				Partition string `json:"partition"`
				Algorithm string `json:"algorithm"`
				Usage     string `json:"usage"`
				Requested int    `json:"requested"`
				Generated int    `json:"generated"`
				Error     string `json:"error"`
			}
			if err := json.Unmarshal(body, &results); err != nil {
				return fmt.Errorf("parsing response: %w", err)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
			fmt.Fprintln(w, "PARTITION\tALGORITHM\tUSAGE\tREQUESTED\tGENERATED\tERROR")
			for _, r := range results {
				errText := "-"
				if r.Error != "" {
					errText = r.Error
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%s\n", r.Partition, r.Algorithm, r.Usage, r.Requested, r.Generated, errText)
			}
			return w.Flush()
		},
	}
}

func poolOrphansCmd() *cobra.Command {
	var partitionID int
	cmd := &cobra.Command{
		Use:   "orphans",
		Short: "List pool keys that exist in the HSM but not in the database",
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := callAPI(http.MethodGet, fmt.Sprintf("/admin/partitions/%d/orphaned-keys", partitionID), http.StatusOK)
			if err != nil {
				return err
			}
			if output == "json" {
				fmt.Println(string(body))
				return nil
			}

			var keys []struct {
				Alias     string `json:"alias"`
				Usage     string `json:"usage"`
				Algorithm string `json:"algorithm"`
				CreatedAt string `json:"createdAt"`
			}
			if err := json.Unmarshal(body, &keys); err != nil {
				return fmt.Errorf("parsing response: %w", err)
			}
			if len(keys) == 0 {
				fmt.Println("No orphaned keys.")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
			fmt.Fprintln(w, "ALIAS\tUSAGE\tALGORITHM\tCREATED_AT")
			for _, k := range keys {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", k.Alias, k.Usage, k.Algorithm, k.CreatedAt)
			}
			return w.Flush()
		},
	}
	cmd.Flags().IntVar(&partitionID, "partition", 0, "Partition ID (required)")
	cmd.MarkFlagRequired("partition")
	return cmd
}

// sessionCmd はセッション操作のコマンド群。
func sessionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Manage signing sessions",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "cleanup",
		Short: "Delete expired sessions and their keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := callAPI(http.MethodPost, "/admin/sessions/cleanup", http.StatusOK)
			if err != nil {
				return err
			}
			if output == "json" {
				fmt.Println(string(body))
				return nil
			}

			var result struct {
				Cleaned int `json:"cleaned"`
				Failed  int `json:"failed"`
			}
			if err := json.Unmarshal(body, &result); err != nil {
				return fmt.Errorf("parsing response: %w", err)
			}
			fmt.Printf("Cleaned %d session(s), %d failed\n", result.Cleaned, result.Failed)
			return nil
		},
	})
	return cmd
}

// callAPI はAPIを呼び出し、期待したステータスであればレスポンスボディを返す。
func callAPI(method, path string, wantStatus int) ([]byte, error) {
	if apiURL == "" {
		return nil, fmt.Errorf("--api-url is required (or set SIGNCTL_API_URL)")
	}

	req, err := http.NewRequest(method, apiURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("API request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode != wantStatus {
		return nil, handleErrorResponse(resp.StatusCode, body)
	}
	return body, nil
}

func handleErrorResponse(statusCode int, body []byte) error {
	var errResp struct {
		Error       string `json:"error"`
		Description string `json:"error_description"`
	}
	if err := json.NewDecoder(bytes.NewReader(body)).Decode(&errResp); err == nil && errResp.Description != "" {
		return fmt.Errorf("Error: %s (%s)", errResp.Description, errResp.Error)
	}
	return fmt.Errorf("Error: server returned status %d", statusCode)
}
