package runtime

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/planforge/planforge/pkg/modules"
	"github.com/planforge/planforge/pkg/payload"
)

// ExecutionReport is the runner's account of one plan replay, keyed by
// play id and task id.
type ExecutionReport struct {
	Success       bool                                  `json:"success"`
	Results       map[string]map[string]*modules.Result `json:"results"`
	Skipped       map[string][]string                   `json:"skipped,omitempty"`
	Error         string                                `json:"error,omitempty"`
	ExecutionTime time.Duration                         `json:"execution_time"`
}

func newExecutionReport() *ExecutionReport {
	return &ExecutionReport{
		Results: make(map[string]map[string]*modules.Result),
		Skipped: make(map[string][]string),
	}
}

// ControllerReportError marks a failed delivery to the controller. Report
// delivery never fails the run; callers log it and move on.
type ControllerReportError struct {
	StatusCode int
	Err        error
}

func (e *ControllerReportError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("controller report failed: %v", e.Err)
	}
	return fmt.Sprintf("controller report failed: status %d", e.StatusCode)
}

func (e *ControllerReportError) Unwrap() error { return e.Err }

// Reporter delivers execution reports and heartbeats to the controller
// endpoint configured in the payload.
type Reporter struct {
	endpoint          string
	heartbeatInterval time.Duration
	client            *http.Client
}

// NewReporter returns nil when no controller endpoint is configured; the
// runner then executes fully offline.
func NewReporter(cfg payload.RuntimeConfig) *Reporter {
	if cfg.ControllerEndpoint == "" {
		return nil
	}
	interval := cfg.HeartbeatInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Reporter{
		endpoint:          cfg.ControllerEndpoint,
		heartbeatInterval: interval,
		client:            &http.Client{Timeout: 10 * time.Second},
	}
}

// Send posts the execution report. A non-2xx response is returned as a
// ControllerReportError.
func (r *Reporter) Send(ctx context.Context, report *ExecutionReport) error {
	return r.post(ctx, r.endpoint, report)
}

// Heartbeat posts liveness updates until the context is cancelled.
func (r *Reporter) Heartbeat(ctx context.Context) {
	ticker := time.NewTicker(r.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			body := map[string]interface{}{
				"status":    "running",
				"timestamp": time.Now().UTC().Format(time.RFC3339),
			}
			if err := r.post(ctx, r.endpoint+"/heartbeat", body); err != nil {
				log.Warn().Err(err).Msg("Heartbeat delivery failed")
			}
		}
	}
}

func (r *Reporter) post(ctx context.Context, url string, body interface{}) error {
	data, err := json.Marshal(body)
	if err != nil {
		return &ControllerReportError{Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return &ControllerReportError{Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return &ControllerReportError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &ControllerReportError{StatusCode: resp.StatusCode}
	}
	return nil
}
