package cli

import (
	"testing"
	"time"

	"github.com/interviewcore/orchestrator/internal/eventbus"
	"github.com/interviewcore/orchestrator/internal/models"
	"github.com/interviewcore/orchestrator/internal/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToStatusResponse_CarriesLastEventAndTiming(t *testing.T) {
	view := session.StatusView{
		SessionID: "s1",
		Status:    models.StatusActive,
		Elapsed:   90 * time.Second,
		Remaining: 10 * time.Minute,
		LastEvent: &eventbus.Event{Kind: eventbus.KindInactivity, Producer: eventbus.ProducerCodeMonitor},
	}

	resp := toStatusResponse(view, nil)

	assert.Equal(t, "s1", resp.SessionID)
	assert.Equal(t, models.StatusActive, resp.Status)
	assert.Equal(t, int64(90_000), resp.ElapsedMs)
	require.NotNil(t, resp.LastEvent)
	assert.Equal(t, string(eventbus.KindInactivity), resp.LastEvent.Kind)
	assert.Equal(t, string(eventbus.ProducerCodeMonitor), resp.LastEvent.Producer)
}

func TestToStatusResponse_ErrorShortCircuitsTheView(t *testing.T) {
	resp := toStatusResponse(session.StatusView{}, assertControlError("no such session"))
	assert.Equal(t, "no such session", resp.Error)
	assert.Empty(t, resp.SessionID)
}

type assertControlError string

func (e assertControlError) Error() string { return string(e) }

func TestPrintStatusLine_IncludesLastEventWhenPresent(t *testing.T) {
	line := printStatusLine(statusResponse{
		SessionID: "s1",
		Status:    models.StatusActive,
		ElapsedMs: 1000,
		RemainMs:  2000,
		LastEvent: &eventSummary{Kind: "INACTIVITY", Producer: "code_monitor"},
	})
	assert.Contains(t, line, "s1")
	assert.Contains(t, line, "last_event=code_monitor/INACTIVITY")
}
