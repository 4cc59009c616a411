package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/spf13/cobra"

	"github.com/punchamoorthee/smscredit/internal/store"
)

var (
	baseURL string
	timeout time.Duration
)

func main() {
	rootCmd := &cobra.Command{
		Use:     "ledgerctl",
		Short:   "Operator tooling for the smscredit ledger",
		Version: "0.1.0",
	}
	rootCmd.PersistentFlags().StringVar(&baseURL, "url", envOr("LEDGERCTL_URL", "http://localhost:8080"), "API base URL")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 10*time.Second, "Request timeout")

	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(deadLettersCmd())
	rootCmd.AddCommand(reconciliationCmd())
	rootCmd.AddCommand(paymentsCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func migrateCmd() *cobra.Command {
	var statusOnly bool
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations (reads DB_SOURCE)",
		RunE: func(cmd *cobra.Command, args []string) error {
			dsn := os.Getenv("DB_SOURCE")
			if dsn == "" {
				return fmt.Errorf("DB_SOURCE is not set")
			}
			ctx := cmd.Context()
			if !statusOnly {
				if err := store.Migrate(ctx, dsn); err != nil {
					return err
				}
			}
			v, err := store.MigrationVersion(ctx, dsn)
			if err != nil {
				return err
			}
			fmt.Printf("schema version: %d\n", v)
			return nil
		},
	}
	cmd.Flags().BoolVar(&statusOnly, "status", false, "Only print the current schema version")
	return cmd
}

func deadLettersCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "deadletters",
		Short: "Inspect and replay dead-lettered tasks",
	}

	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List dead letters, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return get(cmd.Context(), "/admin/dead-letters", limit)
		},
	}
	list.Flags().IntVar(&limit, "limit", 50, "Maximum number of items")

	replay := &cobra.Command{
		Use:   "replay <id>",
		Short: "Reschedule a dead-lettered task from attempt one",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return post(cmd.Context(), "/admin/dead-letters/{id}/replay", map[string]string{"id": args[0]})
		},
	}

	cmd.AddCommand(list, replay)
	return cmd
}

func reconciliationCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reconciliation",
		Short: "Inspect items flagged for manual reconciliation",
	}

	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List open reconciliation items",
		RunE: func(cmd *cobra.Command, args []string) error {
			return get(cmd.Context(), "/admin/reconciliation", limit)
		},
	}
	list.Flags().IntVar(&limit, "limit", 50, "Maximum number of items")

	cmd.AddCommand(list)
	return cmd
}

func paymentsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "payments",
		Short: "Query and refund payments",
	}

	status := &cobra.Command{
		Use:   "status <reference>",
		Short: "Show the tracked status of a payment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return getPath(cmd.Context(), "/api/v1/payments/{reference}", map[string]string{"reference": args[0]})
		},
	}

	refund := &cobra.Command{
		Use:   "refund <reference>",
		Short: "Refund a credited payment and debit the balance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return post(cmd.Context(), "/admin/payments/{reference}/refund", map[string]string{"reference": args[0]})
		},
	}

	cmd.AddCommand(status, refund)
	return cmd
}

func client() *resty.Client {
	return resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json")
}

func get(ctx context.Context, path string, limit int) error {
	resp, err := client().R().
		SetContext(ctx).
		SetQueryParam("limit", strconv.Itoa(limit)).
		Get(path)
	return printResponse(resp, err)
}

func getPath(ctx context.Context, path string, params map[string]string) error {
	resp, err := client().R().
		SetContext(ctx).
		SetPathParams(params).
		Get(path)
	return printResponse(resp, err)
}

func post(ctx context.Context, path string, params map[string]string) error {
	resp, err := client().R().
		SetContext(ctx).
		SetPathParams(params).
		Post(path)
	return printResponse(resp, err)
}

// printResponse pretty-prints the JSON body and turns non-2xx statuses into
// errors carrying the server's message.
func printResponse(resp *resty.Response, err error) error {
	if err != nil {
		return err
	}
	if resp.IsError() {
		var body struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(resp.Body(), &body) == nil && body.Error != "" {
			return fmt.Errorf("%s: %s", resp.Status(), body.Error)
		}
		return fmt.Errorf("unexpected status %s", resp.Status())
	}

	var out interface{}
	if err := json.Unmarshal(resp.Body(), &out); err != nil {
		fmt.Println(string(resp.Body()))
		return nil
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
