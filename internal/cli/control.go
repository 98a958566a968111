package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/interviewcore/orchestrator/internal/metrics"
	"github.com/interviewcore/orchestrator/internal/models"
	"github.com/interviewcore/orchestrator/internal/session"
)

// The run command hosts a small control plane so separate `status`/`stop`
// invocations can reach the Controller living inside the foreground `run`
// process — the same server/thin-client split the teacher uses for
// knowhow-server and the knowhow CLI, just over two JSON endpoints instead
// of a GraphQL schema neither `status` nor `stop` need.

type statusResponse struct {
	SessionID string          `json:"session_id"`
	Status    models.Status   `json:"status"`
	ElapsedMs int64           `json:"elapsed_ms"`
	RemainMs  int64           `json:"remaining_ms"`
	LastEvent *eventSummary   `json:"last_event,omitempty"`
	Metrics   *metricsSummary `json:"metrics,omitempty"`
	Error     string          `json:"error,omitempty"`
}

type eventSummary struct {
	Kind     string `json:"kind"`
	Producer string `json:"producer"`
}

// metricsSummary is the small slice of the Metrics Collector's Snapshot
// surfaced over the control plane: average latency per instrumented
// operation plus the bus's coalesced-event count.
type metricsSummary struct {
	Dropped         int      `json:"dropped"`
	STTAvgMs        *float64 `json:"stt_avg_ms,omitempty"`
	TTSAvgMs        *float64 `json:"tts_avg_ms,omitempty"`
	LLMAvgMs        *float64 `json:"llm_avg_ms,omitempty"`
	EditorPollAvgMs *float64 `json:"editor_poll_avg_ms,omitempty"`
	FactCheckAvgMs  *float64 `json:"fact_check_avg_ms,omitempty"`
}

func toMetricsSummary(snap *metrics.Snapshot) *metricsSummary {
	if snap == nil {
		return nil
	}
	out := &metricsSummary{Dropped: snap.Dropped}
	if snap.STTSegment != nil {
		out.STTAvgMs = &snap.STTSegment.AvgTimeMs
	}
	if snap.TTSSynth != nil {
		out.TTSAvgMs = &snap.TTSSynth.AvgTimeMs
	}
	if snap.LLMGenerate != nil {
		out.LLMAvgMs = &snap.LLMGenerate.AvgTimeMs
	}
	if snap.EditorPoll != nil {
		out.EditorPollAvgMs = &snap.EditorPoll.AvgTimeMs
	}
	if snap.FactCheck != nil {
		out.FactCheckAvgMs = &snap.FactCheck.AvgTimeMs
	}
	return out
}

type stopResponse struct {
	Outcome *models.InterviewOutcome `json:"outcome,omitempty"`
	Error   string                   `json:"error,omitempty"`
}

// newControlServer builds the HTTP handler the run command serves.
func newControlServer(ctrl *session.Controller, sessionID string) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		view, err := ctrl.Status(sessionID)
		writeJSON(w, toStatusResponse(view, err))
	})
	mux.HandleFunc("/stop", func(w http.ResponseWriter, r *http.Request) {
		outcome, err := ctrl.Stop(sessionID)
		resp := stopResponse{}
		if err != nil {
			resp.Error = err.Error()
		} else {
			resp.Outcome = &outcome
		}
		writeJSON(w, resp)
	})
	return &http.Server{Handler: mux}
}

func toStatusResponse(view session.StatusView, err error) statusResponse {
	if err != nil {
		return statusResponse{Error: err.Error()}
	}
	resp := statusResponse{
		SessionID: view.SessionID,
		Status:    view.Status,
		ElapsedMs: view.Elapsed.Milliseconds(),
		RemainMs:  view.Remaining.Milliseconds(),
	}
	if view.LastEvent != nil {
		resp.LastEvent = &eventSummary{Kind: string(view.LastEvent.Kind), Producer: string(view.LastEvent.Producer)}
	}
	resp.Metrics = toMetricsSummary(view.Metrics)
	return resp
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// fetchStatus is the client half used by the `status` command.
func fetchStatus(ctx context.Context, addr string) (statusResponse, error) {
	var out statusResponse
	body, err := httpGet(ctx, "http://"+addr+"/status")
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return out, fmt.Errorf("decode status response: %w", err)
	}
	if out.Error != "" {
		return out, fmt.Errorf("%s", out.Error)
	}
	return out, nil
}

// requestStop is the client half used by the `stop` command.
func requestStop(ctx context.Context, addr string) (models.InterviewOutcome, error) {
	var out stopResponse
	body, err := httpPost(ctx, "http://"+addr+"/stop")
	if err != nil {
		return models.InterviewOutcome{}, err
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return models.InterviewOutcome{}, fmt.Errorf("decode stop response: %w", err)
	}
	if out.Error != "" {
		return models.InterviewOutcome{}, fmt.Errorf("%s", out.Error)
	}
	return *out.Outcome, nil
}

func httpGet(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	return doRequest(req)
}

func httpPost(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(nil))
	if err != nil {
		return nil, err
	}
	return doRequest(req)
}

func doRequest(req *http.Request) ([]byte, error) {
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("reach orchestrator control plane at %s (is `orchestrator run` active?): %w", req.URL.Host, err)
	}
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}
