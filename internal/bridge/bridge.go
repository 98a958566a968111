// Package bridge implements the subprocess bridge: a named local IPC
// endpoint a spawned subordinate process (e.g. an interviewer binary) uses
// to post structured events by writing newline-delimited JSON records.
//
// The endpoint is a Unix domain socket where the platform supports one,
// falling back to a FIFO. No example in the corpus ships a dedicated
// IPC/FIFO library for this, so the transport itself is standard-library
// only; record validation reuses the same gojsonschema machinery the Agent
// Runtime validates LLM responses with.
package bridge

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"syscall"

	"github.com/interviewcore/orchestrator/internal/apperr"
	"github.com/interviewcore/orchestrator/internal/eventbus"
	"github.com/xeipuuv/gojsonschema"
)

// Bridge listens on socketPath and translates valid inbound records into
// Event Bus events published under ProducerBridge.
type Bridge struct {
	socketPath string
	sessionID  string
	bus        *eventbus.Bus
	logger     *slog.Logger

	mu       sync.Mutex
	listener net.Listener
	fifoMode bool
}

// New constructs a Bridge for one session. Call Listen to start accepting
// records.
func New(socketPath, sessionID string, bus *eventbus.Bus, logger *slog.Logger) *Bridge {
	return &Bridge{socketPath: socketPath, sessionID: sessionID, bus: bus, logger: logger}
}

// Listen opens the local IPC endpoint and starts accepting connections (or,
// in FIFO fallback, reading lines) until ctx is cancelled.
func (b *Bridge) Listen(ctx context.Context) error {
	_ = os.Remove(b.socketPath)

	ln, err := net.Listen("unix", b.socketPath)
	if err != nil {
		return b.listenFIFO(ctx, err)
	}

	b.mu.Lock()
	b.listener = ln
	b.mu.Unlock()

	go b.acceptLoop(ctx)
	go func() {
		<-ctx.Done()
		ln.Close()
		os.Remove(b.socketPath)
	}()
	return nil
}

func (b *Bridge) listenFIFO(ctx context.Context, socketErr error) error {
	if err := syscall.Mkfifo(b.socketPath, 0o600); err != nil && !errors.Is(err, syscall.EEXIST) {
		return apperr.Wrap(apperr.KindConfiguration, fmt.Errorf("bridge endpoint unavailable (unix socket: %v, fifo: %w)", socketErr, err))
	}

	b.mu.Lock()
	b.fifoMode = true
	b.mu.Unlock()

	go b.fifoLoop(ctx)
	go func() {
		<-ctx.Done()
		os.Remove(b.socketPath)
	}()
	return nil
}

func (b *Bridge) acceptLoop(ctx context.Context) {
	for {
		conn, err := b.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				if b.logger != nil {
					b.logger.Warn("bridge accept failed", "error", err)
				}
				return
			}
		}
		go b.readLoop(ctx, conn)
	}
}

// fifoLoop repeatedly opens the FIFO for reading: a FIFO reader sees EOF
// once every writer has closed, so the endpoint must be reopened to accept
// the next subordinate process.
func (b *Bridge) fifoLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		f, err := os.OpenFile(b.socketPath, os.O_RDONLY, 0)
		if err != nil {
			if b.logger != nil {
				b.logger.Warn("bridge fifo open failed", "error", err)
			}
			return
		}
		b.readLoop(ctx, f)
		f.Close()
	}
}

func (b *Bridge) readLoop(ctx context.Context, r io.ReadCloser) {
	defer r.Close()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return
		default:
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		b.handleLine(append([]byte(nil), line...))
	}
}

func (b *Bridge) handleLine(line []byte) {
	result, err := gojsonschema.Validate(
		gojsonschema.NewStringLoader(recordSchema),
		gojsonschema.NewBytesLoader(line),
	)
	if err != nil || !result.Valid() {
		b.publishWarning("protocol", "malformed bridge record", line)
		return
	}

	var rec Record
	if err := json.Unmarshal(line, &rec); err != nil {
		b.publishWarning("protocol", "undecodable bridge record", line)
		return
	}
	if rec.SessionID != "" && rec.SessionID != b.sessionID {
		b.publishWarning("protocol", "bridge record for unknown session", line)
		return
	}

	switch rec.Type {
	case TypeAgentOutput:
		b.bus.Publish(eventbus.ProducerBridge, eventbus.KindTurnInterviewer, map[string]any{
			"source": "bridge",
			"data":   rec.Data,
		})
	case TypeAgentError:
		b.bus.Publish(eventbus.ProducerBridge, eventbus.KindSystemError, map[string]any{
			"source": "bridge",
			"data":   rec.Data,
		})
	case TypeAgentCompleted:
		b.bus.Publish(eventbus.ProducerBridge, eventbus.KindSystemWarning, map[string]any{
			"source": "bridge",
			"reason": rec.Data["reason"],
		})
	default:
		b.publishWarning("protocol", "unrecognized bridge record type", line)
	}
}

func (b *Bridge) publishWarning(kind, detail string, line []byte) {
	if b.logger != nil {
		b.logger.Warn(detail, "kind", kind, "line", string(line))
	}
	b.bus.Publish(eventbus.ProducerBridge, eventbus.KindSystemWarning, map[string]any{
		"error_kind": kind,
		"detail":     detail,
	})
}

// Close tears down the endpoint. Safe to call multiple times.
func (b *Bridge) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.listener != nil {
		err := b.listener.Close()
		os.Remove(b.socketPath)
		return err
	}
	if b.fifoMode {
		os.Remove(b.socketPath)
	}
	return nil
}
