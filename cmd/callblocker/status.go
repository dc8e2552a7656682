package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/prismaqf/callblocker/internal/api"
)

// StateReader reads server state.
type StateReader interface {
	Read() (*ServerState, error)
}

// StateWriter writes server state.
type StateWriter interface {
	Write(state ServerState) error
	Delete() error
}

// HealthChecker queries the daemon's health endpoint.
type HealthChecker interface {
	Check(ctx context.Context, apiAddr string) (*api.HealthResponse, error)
}

// StatusCommand reports whether the daemon is up and what its current run is.
type StatusCommand struct {
	stateReader   StateReader
	healthChecker HealthChecker
	stdout        io.Writer
	stderr        io.Writer
}

// NewStatusCommand creates a StatusCommand with production dependencies.
func NewStatusCommand() (*StatusCommand, error) {
	stateStore, err := NewFileStateStore()
	if err != nil {
		return nil, err
	}
	return &StatusCommand{
		stateReader:   stateStore,
		healthChecker: &HTTPHealthChecker{client: &http.Client{}},
		stdout:        os.Stdout,
		stderr:        os.Stderr,
	}, nil
}

// Execute runs the command and returns the exit code.
func (c *StatusCommand) Execute(ctx context.Context) int {
	state, err := c.stateReader.Read()
	if err != nil {
		if errors.Is(err, ErrServerNotRunning) {
			fmt.Fprintln(c.stderr, "callblocker is not running.")
			fmt.Fprintln(c.stderr, "\nStart it with:")
			fmt.Fprintln(c.stderr, "    callblocker serve")
		} else {
			fmt.Fprintln(c.stderr, "Error:", err)
		}
		return 1
	}

	healthCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	health, err := c.healthChecker.Check(healthCtx, state.APIAddr)
	if err != nil {
		fmt.Fprintln(c.stderr, "Error: callblocker is not responding.")
		fmt.Fprintln(c.stderr, "\nThe state file exists but the daemon may have crashed.")
		fmt.Fprintln(c.stderr, "Restart it and try again.")
		return 1
	}

	fmt.Fprintf(c.stdout, "Status:   %s\n", health.Status)
	fmt.Fprintf(c.stdout, "API:      http://%s\n", state.APIAddr)
	fmt.Fprintf(c.stdout, "PID:      %d\n", state.PID)
	if !state.StartedAt.IsZero() {
		fmt.Fprintf(c.stdout, "Started:  %s (uptime %s)\n", humanize.Time(state.StartedAt), health.Uptime)
	} else {
		fmt.Fprintf(c.stdout, "Uptime:   %s\n", health.Uptime)
	}
	fmt.Fprintf(c.stdout, "Database: %s (%s)\n", state.DBPath, humanize.IBytes(uint64(health.DBSizeBytes)))
	fmt.Fprintf(c.stdout, "Timezone: %s\n", describeZone(state.Timezone))
	fmt.Fprintf(c.stdout, "Calls:    %s\n", humanize.Comma(health.TotalCalls))

	var warnings []string
	if s := health.Session; s != nil {
		run := "stopped"
		if s.Active {
			run = "running"
		}
		fmt.Fprintf(c.stdout, "Run:      #%d %s (received %d, triggered %d)\n",
			s.RunID, run, s.NumReceived, s.NumTriggered)
		if state.RunID != 0 && s.RunID != state.RunID {
			warnings = append(warnings, fmt.Sprintf(
				"state file names run #%d but the daemon reports #%d; the state file may be stale", state.RunID, s.RunID))
		}
	} else {
		fmt.Fprintf(c.stdout, "Run:      #%d (opened at start)\n", state.RunID)
	}
	if health.Warning != "" {
		warnings = append(warnings, health.Warning)
	}
	for _, w := range warnings {
		fmt.Fprintf(c.stdout, "Warning:  %s\n", w)
	}
	return 0
}

// describeZone names the zone stored timestamps use and flags zones with
// daylight saving, whose repeated fall-back hour sorts out of order.
func describeZone(name string) string {
	if name == "" {
		name = "Local"
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return name
	}
	if observesDST(loc) {
		return name + " (observes DST; a fixed-offset zone keeps timestamps in order)"
	}
	return name
}

func observesDST(loc *time.Location) bool {
	year := time.Now().Year()
	_, jan := time.Date(year, time.January, 1, 0, 0, 0, 0, loc).Zone()
	_, jul := time.Date(year, time.July, 1, 0, 0, 0, 0, loc).Zone()
	return jan != jul
}

// HTTPHealthChecker checks server health via HTTP.
type HTTPHealthChecker struct {
	client *http.Client
}

// Check fetches and decodes the health endpoint.
func (h *HTTPHealthChecker) Check(ctx context.Context, apiAddr string) (*api.HealthResponse, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", "http://"+apiAddr+"/api/health", nil)
	if err != nil {
		return nil, err
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("health check returned %d", resp.StatusCode)
	}
	var health api.HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return nil, fmt.Errorf("decoding health response: %w", err)
	}
	return &health, nil
}
