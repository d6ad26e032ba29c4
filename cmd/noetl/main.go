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

	"github.com/noetl/noetl/internal/platform/envutil"
)

var (
	serverURL string
	client    = &http.Client{Timeout: 30 * time.Second}
)

func main() {
	root := &cobra.Command{
		Use:           "noetl",
		Short:         "Workflow engine control",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&serverURL, "server",
		envutil.String("NOETL_SERVER_URL", "http://localhost:8080"), "server base URL")

	root.AddCommand(catalogCmd(), runCmd(), statusCmd(), eventsCmd(), cancelCmd(),
		queueCmd(), credentialsCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func catalogCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "catalog", Short: "Manage the playbook catalog"}

	var path, version string
	register := &cobra.Command{
		Use:   "register <playbook.yaml>",
		Short: "Register a playbook version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			content, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			return postJSON("/api/catalog/register", map[string]any{
				"path":    path,
				"version": version,
				"content": string(content),
			})
		},
	}
	register.Flags().StringVar(&path, "path", "", "catalog path (required)")
	register.Flags().StringVar(&version, "version", "", "version label")
	_ = register.MarkFlagRequired("path")

	fetch := &cobra.Command{
		Use:   "fetch",
		Short: "Fetch a registered playbook",
		RunE: func(cmd *cobra.Command, args []string) error {
			return getJSON("/api/catalog/fetch?path=" + path + "&version=" + version)
		},
	}
	fetch.Flags().StringVar(&path, "path", "", "catalog path (required)")
	fetch.Flags().StringVar(&version, "version", "", "version label")
	_ = fetch.MarkFlagRequired("path")

	cmd.AddCommand(register, fetch)
	return cmd
}

func runCmd() *cobra.Command {
	var version, payload string
	var params []string
	cmd := &cobra.Command{
		Use:   "run <path>",
		Short: "Start an execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			parameters := map[string]any{}
			if payload != "" {
				if err := json.Unmarshal([]byte(payload), &parameters); err != nil {
					return fmt.Errorf("bad --payload: %w", err)
				}
			}
			for _, kv := range params {
				parts := strings.SplitN(kv, "=", 2)
				if len(parts) != 2 {
					return fmt.Errorf("bad --param %q, want key=value", kv)
				}
				parameters[parts[0]] = parts[1]
			}
			return postJSON("/api/executions/run", map[string]any{
				"path":       args[0],
				"version":    version,
				"parameters": parameters,
			})
		},
	}
	cmd.Flags().StringVar(&version, "version", "", "playbook version")
	cmd.Flags().StringVar(&payload, "payload", "", "workload JSON object")
	cmd.Flags().StringArrayVar(&params, "param", nil, "workload entry key=value (repeatable)")
	return cmd
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <execution-id>",
		Short: "Show execution status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return getJSON("/api/executions/" + args[0])
		},
	}
}

func eventsCmd() *cobra.Command {
	var since int64
	cmd := &cobra.Command{
		Use:   "events <execution-id>",
		Short: "Page the execution event log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return getJSON(fmt.Sprintf("/api/executions/%s/events?since=%d", args[0], since))
		},
	}
	cmd.Flags().Int64Var(&since, "since", 0, "return events after this event_id")
	return cmd
}

func cancelCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "cancel <execution-id>",
		Short: "Cancel an execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return postJSON("/api/executions/"+args[0]+"/cancel", map[string]any{"reason": reason})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "cancelled via cli", "cancellation reason")
	return cmd
}

func queueCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "queue", Short: "Queue administration"}
	cmd.AddCommand(&cobra.Command{
		Use:   "reap",
		Short: "Reclaim expired leases now",
		RunE: func(cmd *cobra.Command, args []string) error {
			return postJSON("/api/queue/reap-expired", map[string]any{})
		},
	})
	return cmd
}

func credentialsCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "credentials", Short: "Manage sealed credentials"}

	var credType, data string
	set := &cobra.Command{
		Use:   "set <name>",
		Short: "Store a credential",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var parsed map[string]any
			if err := json.Unmarshal([]byte(data), &parsed); err != nil {
				return fmt.Errorf("bad --data: %w", err)
			}
			return postJSON("/api/credentials", map[string]any{
				"name": args[0],
				"type": credType,
				"data": parsed,
			})
		},
	}
	set.Flags().StringVar(&credType, "type", "generic", "credential type")
	set.Flags().StringVar(&data, "data", "", "credential data JSON (required)")
	_ = set.MarkFlagRequired("data")

	get := &cobra.Command{
		Use:   "get <name>",
		Short: "Show credential metadata",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return getJSON("/api/credentials/" + args[0])
		},
	}
	list := &cobra.Command{
		Use:   "list",
		Short: "List credentials",
		RunE: func(cmd *cobra.Command, args []string) error {
			return getJSON("/api/credentials")
		},
	}

	cmd.AddCommand(set, get, list)
	return cmd
}

func postJSON(path string, body map[string]any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}
	resp, err := client.Post(serverURL+path, "application/json", bytes.NewReader(raw))
	if err != nil {
		return err
	}
	return printResponse(resp)
}

func getJSON(path string) error {
	resp, err := client.Get(serverURL + path)
	if err != nil {
		return err
	}
	return printResponse(resp)
}

func printResponse(resp *http.Response) error {
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	var pretty bytes.Buffer
	if json.Indent(&pretty, raw, "", "  ") == nil {
		fmt.Println(pretty.String())
	} else {
		fmt.Println(string(raw))
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("server returned %s", resp.Status)
	}
	return nil
}
