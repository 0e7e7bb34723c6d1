// Command recallctl manages the review gate through the server's admin API.
//
//	recallctl pending list [--status pending]
//	recallctl pending approve <id>
//	recallctl pending reject <id>
//	recallctl flag get <key>
//	recallctl flag set <key> <true|false>
//	recallctl deadletters [--limit n]
//
// The server address and token come from --server/--token or
// RECALL_SERVER/ADMIN_TOKEN.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/shipitai/recall/gate"
	"github.com/shipitai/recall/handler"
	"github.com/shipitai/recall/storage"
	"github.com/shipitai/recall/tasks"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// adminClient calls the admin API.
type adminClient struct {
	server string
	token  string
	http   *http.Client
}

func (c *adminClient) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, strings.TrimSuffix(c.server, "/")+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var apiErr struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&apiErr)
		if apiErr.Error == "" {
			apiErr.Error = http.StatusText(resp.StatusCode)
		}
		return fmt.Errorf("%s %s: %d %s", method, path, resp.StatusCode, apiErr.Error)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}

func newRootCmd() *cobra.Command {
	client := &adminClient{http: &http.Client{Timeout: 2 * time.Minute}}

	root := &cobra.Command{
		Use:          "recallctl",
		Short:        "Manage held reviews and feature flags",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if client.server == "" {
				client.server = envOr("RECALL_SERVER", "http://localhost:8080")
			}
			if client.token == "" {
				client.token = os.Getenv("ADMIN_TOKEN")
			}
			if client.token == "" {
				return fmt.Errorf("an admin token is required (--token or ADMIN_TOKEN)")
			}
			return nil
		},
	}
	root.PersistentFlags().StringVar(&client.server, "server", "", "server base URL (default $RECALL_SERVER or http://localhost:8080)")
	root.PersistentFlags().StringVar(&client.token, "token", "", "admin API token (default $ADMIN_TOKEN)")

	root.AddCommand(newPendingCmd(client), newFlagCmd(client), newDeadLettersCmd(client))
	return root
}

func newPendingCmd(client *adminClient) *cobra.Command {
	pending := &cobra.Command{
		Use:   "pending",
		Short: "List, approve and reject held reviews",
	}

	var status string
	list := &cobra.Command{
		Use:   "list",
		Short: "List held reviews",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/admin/pending"
			if status != "" {
				if !storage.PendingStatus(status).Valid() {
					return fmt.Errorf("invalid status %q", status)
				}
				path += "?status=" + status
			}
			var reviews []storage.PendingReview
			if err := client.do(cmd.Context(), http.MethodGet, path, nil, &reviews); err != nil {
				return err
			}
			return printPending(cmd.OutOrStdout(), reviews)
		},
	}
	list.Flags().StringVar(&status, "status", "", "filter by status: pending, approved or rejected")

	resolve := func(action string) *cobra.Command {
		return &cobra.Command{
			Use:   action + " <id>",
			Short: strings.ToUpper(action[:1]) + action[1:] + " a held review",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				var out map[string]string
				if err := client.do(cmd.Context(), http.MethodPost, "/admin/pending/"+args[0]+"/"+action, nil, &out); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", out["id"], out["status"])
				return nil
			},
		}
	}

	pending.AddCommand(list, resolve("approve"), resolve("reject"))
	return pending
}

func newFlagCmd(client *adminClient) *cobra.Command {
	flag := &cobra.Command{
		Use:   "flag",
		Short: "Read and write feature flags (e.g. " + gate.ReviewGateFlag + ")",
	}

	get := &cobra.Command{
		Use:   "get <key>",
		Short: "Print a flag value",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var v handler.FlagValue
			if err := client.do(cmd.Context(), http.MethodGet, "/admin/flags/"+args[0], nil, &v); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s=%t\n", v.Key, v.Enabled)
			return nil
		},
	}

	set := &cobra.Command{
		Use:   "set <key> <true|false>",
		Short: "Set a flag value",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			enabled, err := strconv.ParseBool(args[1])
			if err != nil {
				return fmt.Errorf("invalid value %q: want true or false", args[1])
			}
			var v handler.FlagValue
			body := map[string]bool{"enabled": enabled}
			if err := client.do(cmd.Context(), http.MethodPut, "/admin/flags/"+args[0], body, &v); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s=%t\n", v.Key, v.Enabled)
			return nil
		},
	}

	flag.AddCommand(get, set)
	return flag
}

func newDeadLettersCmd(client *adminClient) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "deadletters",
		Short: "List background tasks that failed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var letters []tasks.Letter
			path := "/admin/dead-letters?limit=" + strconv.Itoa(limit)
			if err := client.do(cmd.Context(), http.MethodGet, path, nil, &letters); err != nil {
				return err
			}
			if len(letters) == 0 {
				_, err := fmt.Fprintln(cmd.OutOrStdout(), "no dead letters")
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tTASK\tFAILED\tERROR")
			for _, l := range letters {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", l.ID, l.Task, l.FailedAt.Format(time.RFC3339), l.Error)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of letters (0 lists all)")
	return cmd
}

func printPending(w io.Writer, reviews []storage.PendingReview) error {
	if len(reviews) == 0 {
		_, err := fmt.Fprintln(w, "no held reviews")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tREPO\tPR\tSTATUS\tCREATED")
	for _, p := range reviews {
		fmt.Fprintf(tw, "%s\t%s/%s\t#%d\t%s\t%s\n", p.ID, p.Owner, p.Repo, p.PRNumber, p.Status, p.CreatedAt.Format(time.RFC3339))
	}
	return tw.Flush()
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
