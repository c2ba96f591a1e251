// Package backend queries the backend processing service's status endpoints.
package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"
)

// TranscriptionStatus is the backend's view of outstanding work.
type TranscriptionStatus struct {
	TotalCourses int `json:"total_courses"`
	Completed    int `json:"completed"`
	InProgress   int `json:"in_progress"`
	Pending      int `json:"pending"`
}

// Outstanding is the amount of work a worker pool could pick up. Courses
// left in progress by a previous session are resumable, so they count.
func (s TranscriptionStatus) Outstanding() int {
	return s.Pending + s.InProgress
}

// Client talks to a backend listening on loopback.
type Client struct {
	host       string
	statusPath string
	http       *http.Client
}

// NewClient creates a client for the given status path.
func NewClient(statusPath string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		host:       "127.0.0.1",
		statusPath: statusPath,
		http:       &http.Client{Timeout: timeout},
	}
}

// Status fetches the transcription status from the backend on port.
func (c *Client) Status(ctx context.Context, port int) (TranscriptionStatus, error) {
	var st TranscriptionStatus

	url := "http://" + net.JoinHostPort(c.host, strconv.Itoa(port)) + c.statusPath
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return st, fmt.Errorf("creating request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return st, fmt.Errorf("querying %s: %w", c.statusPath, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return st, fmt.Errorf("querying %s: status %d", c.statusPath, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return st, fmt.Errorf("decoding %s: %w", c.statusPath, err)
	}
	return st, nil
}
