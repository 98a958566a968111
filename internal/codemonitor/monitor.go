// Package codemonitor drives a dedicated remote browsing session against the
// candidate's code editor, polling three configured DOM selectors and
// publishing CODE_CHANGED, INACTIVITY, SUBMIT_DETECTED, and TEST_RESULT
// events derived from what changed between samples.
package codemonitor

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/interviewcore/orchestrator/internal/apperr"
	"github.com/interviewcore/orchestrator/internal/config"
	"github.com/interviewcore/orchestrator/internal/eventbus"
	"github.com/interviewcore/orchestrator/internal/metrics"
	"github.com/interviewcore/orchestrator/internal/models"
)

const maxConsecutiveSelectorMisses = 3

// Monitor owns one browser session for the lifetime of a code question.
// The browser session is exclusively owned by the Monitor; no other
// component touches it.
type Monitor struct {
	urlTemplate         string
	selectors           config.EditorSelectors
	pollingInterval     time.Duration
	navigationTimeout   time.Duration
	inactivityThreshold time.Duration
	bus                 *eventbus.Bus
	logger              *slog.Logger
	metrics             *metrics.Collector

	mu                sync.RWMutex
	browser           *rod.Browser
	page              *rod.Page
	sessionID         string
	questionID        string
	last              models.CodeSnapshot
	haveLast          bool
	lastChangeAt      time.Time
	inactivityRaised  bool
	consecutiveMisses int
	reconnectedOnce   bool

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// New builds a Monitor from configuration. It does not connect to a browser
// until Start is called. collector is optional; a nil collector simply
// disables timing.
func New(cfg config.Config, bus *eventbus.Bus, logger *slog.Logger, collector *metrics.Collector) *Monitor {
	return &Monitor{
		urlTemplate:         cfg.EditorURLTemplate,
		selectors:           cfg.EditorSelectors,
		pollingInterval:     cfg.PollingInterval,
		navigationTimeout:   cfg.ExternalTimeout,
		inactivityThreshold: cfg.InactivityThreshold,
		bus:                 bus,
		logger:              logger,
		metrics:             collector,
		stop:                make(chan struct{}),
		done:                make(chan struct{}),
	}
}

// Start launches (or connects to) a browser, navigates to the editor URL for
// questionID, and begins the periodic poll loop. ctx governs the monitor's
// whole lifetime; cancelling it stops polling as surely as Stop does.
func (m *Monitor) Start(ctx context.Context, sessionID, questionID string) error {
	m.mu.Lock()
	m.sessionID = sessionID
	m.questionID = questionID
	m.mu.Unlock()

	if err := m.connect(ctx); err != nil {
		return err
	}

	url := buildURL(m.urlTemplate, sessionID, questionID)
	incognito, err := m.browser.Incognito()
	if err != nil {
		return apperr.Wrap(apperr.KindTransientExternal, fmt.Errorf("incognito context: %w", err))
	}
	page, err := incognito.Context(ctx).Timeout(m.navigationTimeout).Page(proto.TargetCreateTarget{URL: url})
	if err != nil {
		return apperr.Wrap(apperr.KindTransientExternal, fmt.Errorf("navigate to editor: %w", err))
	}

	m.mu.Lock()
	m.page = page
	m.mu.Unlock()

	go m.pollLoop(ctx)
	return nil
}

func (m *Monitor) connect(ctx context.Context) error {
	controlURL, err := launcher.New().Headless(true).Launch()
	if err != nil {
		return apperr.Wrap(apperr.KindTransientExternal, fmt.Errorf("launch browser: %w", err))
	}
	browser := rod.New().ControlURL(controlURL).Context(ctx)
	if err := browser.Connect(); err != nil {
		return apperr.Wrap(apperr.KindTransientExternal, fmt.Errorf("connect to browser: %w", err))
	}
	m.mu.Lock()
	m.browser = browser
	m.mu.Unlock()
	return nil
}

// CurrentSnapshot returns the most recently captured CodeSnapshot.
func (m *Monitor) CurrentSnapshot() models.CodeSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.last
}

// Stop ends the poll loop and releases the browser session.
func (m *Monitor) Stop() error {
	m.stopOnce.Do(func() { close(m.stop) })
	<-m.done

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.browser != nil {
		err := m.browser.Close()
		m.browser = nil
		m.page = nil
		return err
	}
	return nil
}

func (m *Monitor) pollLoop(ctx context.Context) {
	defer close(m.done)
	ticker := time.NewTicker(m.pollingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stop:
			return
		case <-ticker.C:
			m.poll(ctx)
		}
	}
}

// poll captures one CodeSnapshot and derives events from how it differs
// from the last one. Selector misses are tolerated up to a threshold;
// navigation loss gets exactly one reconnect attempt before the monitor
// gives up and reports failed.
func (m *Monitor) poll(ctx context.Context) {
	start := time.Now()
	snap, err := m.sample(ctx)
	if m.metrics != nil {
		m.metrics.RecordTiming(metrics.OpEditorPoll, time.Since(start))
	}
	if err != nil {
		m.handleSampleError(ctx, err)
		return
	}
	m.consecutiveMisses = 0
	m.reconnectedOnce = false
	m.applySnapshot(snap)
}

func (m *Monitor) handleSampleError(ctx context.Context, err error) {
	m.consecutiveMisses++
	if m.logger != nil {
		m.logger.Warn("code monitor selector miss", "error", err, "consecutive", m.consecutiveMisses)
	}

	if m.consecutiveMisses == maxConsecutiveSelectorMisses {
		m.publish(eventbus.KindSystemWarning, map[string]any{"error_kind": "editor_stale"})
	}

	if !isNavigationLoss(err) {
		return
	}
	if m.reconnectedOnce {
		m.publish(eventbus.KindSystemError, map[string]any{"error_kind": "navigation_loss", "detail": err.Error()})
		return
	}
	m.reconnectedOnce = true
	m.mu.RLock()
	sessionID, questionID := m.sessionID, m.questionID
	m.mu.RUnlock()
	if rerr := m.Start(ctx, sessionID, questionID); rerr != nil {
		m.publish(eventbus.KindSystemError, map[string]any{"error_kind": "navigation_loss", "detail": rerr.Error()})
	}
}

func isNavigationLoss(err error) bool {
	return strings.Contains(err.Error(), "navigate") || strings.Contains(err.Error(), "closed")
}

func (m *Monitor) sample(ctx context.Context) (models.CodeSnapshot, error) {
	m.mu.RLock()
	page := m.page
	m.mu.RUnlock()
	if page == nil {
		return models.CodeSnapshot{}, apperr.New(apperr.KindTransientExternal, "browser page not ready")
	}

	editorText, err := elementText(ctx, page, m.selectors.EditorTextarea)
	if err != nil {
		return models.CodeSnapshot{}, err
	}
	submitInFlight := elementHasAttr(ctx, page, m.selectors.SubmitButton, "disabled")
	testText, _ := elementText(ctx, page, m.selectors.TestResult)

	state, passed, total := parseTestResult(testText)

	m.mu.RLock()
	questionID := m.questionID
	m.mu.RUnlock()

	return models.CodeSnapshot{
		T:              time.Now(),
		EditorText:     editorText,
		QuestionID:     questionID,
		TestState:      state,
		PassedCount:    passed,
		TotalCount:     total,
		SubmitInFlight: submitInFlight,
	}, nil
}

func elementText(ctx context.Context, page *rod.Page, selector string) (string, error) {
	if selector == "" {
		return "", apperr.New(apperr.KindConfiguration, "empty selector")
	}
	el, err := page.Context(ctx).Timeout(5 * time.Second).Element(selector)
	if err != nil {
		return "", apperr.Wrap(apperr.KindTransientExternal, fmt.Errorf("element %q not found: %w", selector, err))
	}
	text, err := el.Text()
	if err != nil {
		return "", apperr.Wrap(apperr.KindTransientExternal, fmt.Errorf("read element %q: %w", selector, err))
	}
	return text, nil
}

func elementHasAttr(ctx context.Context, page *rod.Page, selector, attr string) bool {
	el, err := page.Context(ctx).Timeout(5 * time.Second).Element(selector)
	if err != nil {
		return false
	}
	val, err := el.Attribute(attr)
	return err == nil && val != nil
}

// parseTestResult interprets the test-result region's text, expected in the
// form "k/n passed" or "k/n failed".
func parseTestResult(text string) (models.TestState, int, int) {
	text = strings.ToLower(strings.TrimSpace(text))
	if text == "" {
		return models.TestUnknown, 0, 0
	}
	if strings.Contains(text, "running") {
		return models.TestRunning, 0, 0
	}
	fields := strings.Fields(text)
	for _, f := range fields {
		k, n, ok := parseFraction(f)
		if !ok {
			continue
		}
		if strings.Contains(text, "fail") {
			return models.TestFailed, k, n
		}
		return models.TestPassed, k, n
	}
	return models.TestUnknown, 0, 0
}

func parseFraction(s string) (k, n int, ok bool) {
	parts := strings.SplitN(s, "/", 2)
	if len(parts) != 2 {
		return 0, 0, false
	}
	k, err1 := strconv.Atoi(parts[0])
	n, err2 := strconv.Atoi(parts[1])
	if err1 != nil || err2 != nil {
		return 0, 0, false
	}
	return k, n, true
}

func buildURL(template, sessionID, questionID string) string {
	url := strings.ReplaceAll(template, "{session_id}", sessionID)
	url = strings.ReplaceAll(url, "{question_id}", questionID)
	return url
}

// applySnapshot updates monitor state from a freshly captured snapshot and
// publishes the events it derives: CODE_CHANGED, INACTIVITY (re-armed after
// the next change), SUBMIT_DETECTED (on the false->true edge), and
// TEST_RESULT (on test_state transitions).
func (m *Monitor) applySnapshot(snap models.CodeSnapshot) {
	m.mu.Lock()
	prev := m.last
	hadLast := m.haveLast
	wasSubmitting := hadLast && prev.SubmitInFlight
	changed := !hadLast || !prev.Equal(snap)
	testChanged := hadLast && prev.TestState != snap.TestState

	m.last = snap
	m.haveLast = true
	if changed {
		m.lastChangeAt = snap.T
		m.inactivityRaised = false
	}
	lastChangeAt := m.lastChangeAt
	m.mu.Unlock()

	if changed {
		m.publish(eventbus.KindCodeChanged, map[string]any{
			"question_id": snap.QuestionID,
			"diff_len":    len(snap.EditorText) - len(prev.EditorText),
		})
	}

	if !snap.SubmitInFlight && !wasSubmitting {
		// no-op, nothing to detect
	} else if snap.SubmitInFlight && !wasSubmitting {
		m.publish(eventbus.KindSubmitDetected, map[string]any{"question_id": snap.QuestionID})
	}

	if testChanged {
		m.publish(eventbus.KindTestResult, map[string]any{
			"test_state": string(snap.TestState), "passed": snap.PassedCount, "total": snap.TotalCount,
		})
	}

	m.checkInactivity(snap.T, lastChangeAt)
}

// checkInactivity raises INACTIVITY once when the gap since the last real
// change reaches inactivityThreshold, then stays silent (re-armed only by
// the next CODE_CHANGED, which resets inactivityRaised in applySnapshot).
func (m *Monitor) checkInactivity(now, lastChangeAt time.Time) {
	m.mu.Lock()
	if m.inactivityRaised || now.Sub(lastChangeAt) < m.inactivityThreshold {
		m.mu.Unlock()
		return
	}
	m.inactivityRaised = true
	m.mu.Unlock()

	m.publish(eventbus.KindInactivity, map[string]any{"idle_for_seconds": now.Sub(lastChangeAt).Seconds()})
}

func (m *Monitor) publish(kind eventbus.Kind, payload map[string]any) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(eventbus.ProducerCodeMonitor, kind, payload)
}
