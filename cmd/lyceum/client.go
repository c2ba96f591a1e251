package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/benaskins/lyceum/internal/daemon"
	"github.com/benaskins/lyceum/internal/gateway"
)

const apiBase = "http://lyceum"

func dialSocket(ctx context.Context, _, _ string) (net.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, "unix", socketPath())
}

func apiClient() *http.Client {
	return &http.Client{
		Timeout:   30 * time.Second,
		Transport: &http.Transport{DialContext: dialSocket},
	}
}

func apiDo(method, path string, body, v any) error {
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		r = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, apiBase+path, r)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := apiClient().Do(req)
	if err != nil {
		return fmt.Errorf("connecting to daemon: %w (is lyceum daemon running?)", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
		}
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s (HTTP %d)", apiErr.Error, resp.StatusCode)
		}
		return fmt.Errorf("API error %d: %s", resp.StatusCode, data)
	}
	if v == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

func apiGet(path string, v any) error { return apiDo(http.MethodGet, path, nil, v) }

func apiPost(path string, body, v any) error { return apiDo(http.MethodPost, path, body, v) }

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show service, worker and runtime status",
	RunE: func(cmd *cobra.Command, args []string) error {
		var st daemon.Status
		if err := apiGet("/v1/status", &st); err != nil {
			return err
		}
		if jsonOut {
			return printJSON(st)
		}
		printStatus(os.Stdout, st)
		return nil
	},
}

func printStatus(out io.Writer, st daemon.Status) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "COMPONENT\tSTATE\tHEALTH\tPID\tPORT\tUPTIME\tRESTARTS")

	svc := st.Service
	fmt.Fprintf(w, "service\t%s\t%s\t%s\t%s\t%s\t%d\n",
		svc.State, dash(string(svc.Health)), dashInt(svc.PID), dashInt(svc.Port), dash(svc.Uptime), svc.RestartCount)

	for _, wk := range st.Pool.Workers {
		fmt.Fprintf(w, "worker %s\trunning\t-\t%s\t-\t%s\t-\n", wk.ID, dashInt(wk.PID), dash(wk.Uptime))
	}
	if len(st.Pool.Workers) == 0 {
		fmt.Fprintln(w, "workers\tstopped\t-\t-\t-\t-\t-")
	}

	if rt := st.Runtime; rt.Enabled {
		fmt.Fprintf(w, "runtime (%s)\t%s\t%s\t%s\t-\t-\t-\n", rt.Type, runtimeState(rt), dash(string(rt.Health)), dashInt(rt.PID))
	}
	w.Flush()

	if svc.LastError != "" {
		detail := fmt.Sprintf("\nservice: %s", svc.LastError)
		if svc.LastExitCode != nil {
			detail += fmt.Sprintf(" (exit %d)", *svc.LastExitCode)
		}
		fmt.Fprintln(out, detail)
	}
}

func runtimeState(rt daemon.RuntimeStatus) string {
	switch {
	case rt.Running && !rt.Managed:
		return "external"
	case rt.Running:
		return "running"
	}
	return "stopped"
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func dashInt(n int) string {
	if n <= 0 {
		return "-"
	}
	return fmt.Sprintf("%d", n)
}

var serviceCmd = &cobra.Command{
	Use:       "service <start|stop|restart>",
	Short:     "Control the backend service",
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{"start", "stop", "restart"},
	RunE: func(cmd *cobra.Command, args []string) error {
		verb := args[0]
		switch verb {
		case "start", "stop", "restart":
		default:
			return fmt.Errorf("unknown service command %q", verb)
		}
		var res gateway.Result
		if err := apiPost("/v1/service/"+verb, nil, &res); err != nil {
			return err
		}
		if jsonOut {
			return printJSON(res)
		}
		if res.Service == nil {
			return fmt.Errorf("daemon returned no service status")
		}
		svc := res.Service
		fmt.Printf("service: %s", svc.State)
		if svc.PID > 0 {
			fmt.Printf(" (pid %d, port %d)", svc.PID, svc.Port)
		}
		fmt.Println()
		return nil
	},
}

var poolCmd = &cobra.Command{
	Use:   "pool",
	Short: "Control the worker pool",
}

var poolStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start workers",
	RunE: func(cmd *cobra.Command, args []string) error {
		count, _ := cmd.Flags().GetInt("count")
		var res gateway.Result
		if err := apiPost("/v1/pool/start", map[string]int{"count": count}, &res); err != nil {
			return err
		}
		return printPoolResult(res)
	},
}

var poolStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop all workers",
	RunE: func(cmd *cobra.Command, args []string) error {
		var res gateway.Result
		if err := apiPost("/v1/pool/stop", nil, &res); err != nil {
			return err
		}
		return printPoolResult(res)
	},
}

func printPoolResult(res gateway.Result) error {
	if jsonOut {
		return printJSON(res)
	}
	if res.Pool == nil || !res.Pool.Running {
		fmt.Println("workers: stopped")
		return nil
	}
	fmt.Printf("workers: %d running (%s)\n", res.Pool.WorkerCount, strings.Join(res.Pool.IDs, ", "))
	return nil
}

var settingsCmd = &cobra.Command{
	Use:   "settings",
	Short: "Show user settings",
	RunE: func(cmd *cobra.Command, args []string) error {
		var settings map[string]any
		if err := apiGet("/v1/settings", &settings); err != nil {
			return err
		}
		return printJSON(settings)
	},
}

var setCmd = &cobra.Command{
	Use:   "set <name> <json-value>",
	Short: "Change a user setting",
	Long:  "Change one setting through the daemon. The value is JSON: set workerCount 4, set theme '\"dark\"'.",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		value := json.RawMessage(args[1])
		if !json.Valid(value) {
			// Bare words are taken as strings.
			quoted, _ := json.Marshal(args[1])
			value = quoted
		}
		body := map[string]json.RawMessage{"value": value}
		if err := apiDo(http.MethodPut, "/v1/settings/"+args[0], body, nil); err != nil {
			return err
		}
		fmt.Printf("%s = %s\n", args[0], value)
		return nil
	},
}

var openCmd = &cobra.Command{
	Use:   "open <url>",
	Short: "Open an external web page in the default browser",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return apiPost("/v1/open", map[string]string{"url": args[0]}, nil)
	},
}

func init() {
	poolStartCmd.Flags().Int("count", 0, "number of workers (default: the workerCount setting)")
	poolCmd.AddCommand(poolStartCmd, poolStopCmd)

	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(serviceCmd)
	rootCmd.AddCommand(poolCmd)
	rootCmd.AddCommand(settingsCmd)
	rootCmd.AddCommand(setCmd)
	rootCmd.AddCommand(openCmd)
}
