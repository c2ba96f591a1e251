package main

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"os/signal"
	"strconv"

	"github.com/charmbracelet/lipgloss"
	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/benaskins/lyceum/internal/events"
)

var classStyles = map[events.Classification]lipgloss.Style{
	events.Error:    lipgloss.NewStyle().Foreground(lipgloss.Color("9")),
	events.Warning:  lipgloss.NewStyle().Foreground(lipgloss.Color("11")),
	events.Success:  lipgloss.NewStyle().Foreground(lipgloss.Color("10")),
	events.Progress: lipgloss.NewStyle().Foreground(lipgloss.Color("12")),
}

var sourceStyle = lipgloss.NewStyle().Faint(true)

var logsCmd = &cobra.Command{
	Use:   "logs",
	Short: "Show recent output from the service or a worker",
	RunE: func(cmd *cobra.Command, args []string) error {
		n, _ := cmd.Flags().GetInt("lines")
		worker, _ := cmd.Flags().GetString("worker")
		follow, _ := cmd.Flags().GetBool("follow")

		path := "/v1/service/logs?n=" + strconv.Itoa(n)
		source := events.SourceService
		if worker != "" {
			path = "/v1/pool/workers/" + url.PathEscape(worker) + "/logs?n=" + strconv.Itoa(n)
			source = events.WorkerSource(worker)
		}

		var resp struct {
			Lines []string `json:"lines"`
		}
		if err := apiGet(path, &resp); err != nil {
			return err
		}
		for _, line := range resp.Lines {
			fmt.Println(line)
		}
		if !follow {
			return nil
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer stop()
		all, _ := cmd.Flags().GetBool("all")
		if all {
			source = ""
		}
		color := term.IsTerminal(int(os.Stdout.Fd()))
		return followEvents(ctx, os.Stdout, source, color)
	},
}

// followEvents prints log events from the daemon's event stream until ctx
// is cancelled or the daemon closes the stream. An empty source prints
// everything.
func followEvents(ctx context.Context, out io.Writer, source string, color bool) error {
	dialer := websocket.Dialer{NetDialContext: dialSocket}
	conn, _, err := dialer.DialContext(ctx, "ws://lyceum/v1/events", nil)
	if err != nil {
		return fmt.Errorf("connecting to event stream: %w", err)
	}
	defer conn.Close()

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	var last uint64
	for {
		var ev events.Event
		if err := conn.ReadJSON(&ev); err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				return nil
			}
			return fmt.Errorf("reading event stream: %w", err)
		}
		if last != 0 && ev.Seq > last+1 {
			fmt.Fprintf(out, "... %d events dropped\n", ev.Seq-last-1)
		}
		last = ev.Seq

		if ev.Log == nil || (source != "" && ev.Log.Source != source) {
			continue
		}
		fmt.Fprintln(out, formatLog(*ev.Log, source == "", color))
	}
}

func formatLog(l events.LogEvent, withSource, color bool) string {
	text := l.Text
	if color {
		if style, ok := classStyles[l.Classification]; ok {
			text = style.Render(text)
		}
	}
	if !withSource {
		return text
	}
	prefix := "[" + l.Source + "]"
	if color {
		prefix = sourceStyle.Render(prefix)
	}
	return prefix + " " + text
}

func init() {
	logsCmd.Flags().IntP("lines", "n", 50, "number of lines to show")
	logsCmd.Flags().StringP("worker", "w", "", "show a worker's output instead of the service's")
	logsCmd.Flags().BoolP("follow", "f", false, "keep printing new output")
	logsCmd.Flags().Bool("all", false, "with --follow, print output from every source")
	rootCmd.AddCommand(logsCmd)
}
