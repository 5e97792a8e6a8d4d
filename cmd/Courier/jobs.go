package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/BTreeMap/Courier/internal/models"
	"github.com/BTreeMap/Courier/internal/store"
)

func newJobsCmd(config *Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Inspect and cancel durable jobs",
	}
	cmd.AddCommand(newJobsListCmd(config), newJobsCancelCmd(config))
	return cmd
}

func newJobsListCmd(config *Config) *cobra.Command {
	var queue string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List persisted jobs from the application database",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := store.NewStore(buildStoreOptions(*config)...)
			if err != nil {
				return fmt.Errorf("failed to open store: %w", err)
			}
			defer db.Close()
			records, err := db.GetAllJobs()
			if err != nil {
				return fmt.Errorf("failed to list jobs: %w", err)
			}
			return printJobs(cmd.OutOrStdout(), records, queue)
		},
	}
	cmd.Flags().StringVar(&queue, "queue", "", "only list jobs in this queue")
	return cmd
}

// printJobs writes records in enqueue order as an aligned table.
func printJobs(out io.Writer, records []store.JobRecord, queue string) error {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tFACTORY\tQUEUE\tATTEMPT\tCONSTRAINTS\tDEPENDS ON\tCREATED")
	for _, r := range records {
		if queue != "" && r.QueueKey != queue {
			continue
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d/%d\t%s\t%s\t%s\n",
			r.ID, r.FactoryKey, dash(r.QueueKey),
			r.CurrentAttempt, r.MaxAttempts,
			dash(strings.Join(r.Constraints, ",")), dash(strings.Join(r.DependsOn, ",")),
			r.CreateTime.Format(time.RFC3339))
	}
	return w.Flush()
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func newJobsCancelCmd(config *Config) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <job-id>",
		Short: "Cancel a job through the running server's API",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			msg, err := cancelJob(cmd.Context(), http.DefaultClient, apiBaseURL(config.APIAddr), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), msg)
			return nil
		},
	}
}

// apiBaseURL turns a listen address into a URL a local client can dial.
func apiBaseURL(addr string) string {
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		return strings.TrimRight(addr, "/")
	}
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}
	return "http://" + addr
}

func cancelJob(ctx context.Context, client *http.Client, baseURL, id string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/jobs/"+url.PathEscape(id)+"/cancel", nil)
	if err != nil {
		return "", err
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to reach API at %s: %w", baseURL, err)
	}
	defer resp.Body.Close()

	var body models.APIResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("invalid API response (status %d): %w", resp.StatusCode, err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("cancel %s: %s (status %d)", id, body.Message, resp.StatusCode)
	}
	return body.Message, nil
}
