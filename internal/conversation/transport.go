package conversation

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/interviewcore/orchestrator/internal/apperr"
)

// Segment is one STT update: {text, is_final, t_start, t_end, confidence}.
type Segment struct {
	Text       string    `json:"text"`
	IsFinal    bool      `json:"is_final"`
	TStart     time.Time `json:"t_start"`
	TEnd       time.Time `json:"t_end"`
	Confidence float64   `json:"confidence"`
}

// HighConfidence reports whether a segment is confident enough to interrupt
// TTS playback (barge-in).
func (s Segment) HighConfidence() bool { return s.Confidence >= bargeInConfidence }

const bargeInConfidence = 0.6

// STTStream is the candidate-speech-in transport. The provider itself is
// out of scope; this is the boundary the Conversation Loop consumes.
type STTStream interface {
	Segments() <-chan Segment
	Close() error
}

// TTSPlayer is the interviewer-speech-out transport. Speak blocks until
// playback completes or ctx is cancelled (barge-in truncation), returning an
// opaque reference to what was actually played.
type TTSPlayer interface {
	Speak(ctx context.Context, utterance string) (audioRef string, err error)
}

// wsSTTStream is the default STTStream, a newline-JSON-over-websocket
// transport with exponential-backoff reconnect.
type wsSTTStream struct {
	url      string
	conn     *websocket.Conn
	segments chan Segment
	done     chan struct{}
}

// DialSTT connects to the configured STT endpoint, retrying with the
// prescribed backoff policy (base 200ms, factor 2, cap 5s, 5 attempts)
// before giving up.
func DialSTT(ctx context.Context, url string) (STTStream, error) {
	conn, err := dialWithBackoff(ctx, url)
	if err != nil {
		return nil, err
	}
	s := &wsSTTStream{url: url, conn: conn, segments: make(chan Segment, 32), done: make(chan struct{})}
	go s.readLoop(ctx)
	return s, nil
}

func dialWithBackoff(ctx context.Context, url string) (*websocket.Conn, error) {
	var conn *websocket.Conn
	op := func() error {
		c, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
		if err != nil {
			return err
		}
		conn = c
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 200 * time.Millisecond
	bo.Multiplier = 2
	bo.MaxInterval = 5 * time.Second
	bounded := backoff.WithMaxRetries(bo, 5)

	if err := backoff.Retry(op, backoff.WithContext(bounded, ctx)); err != nil {
		return nil, apperr.Wrap(apperr.KindTransientExternal, fmt.Errorf("stt dial exhausted reconnect attempts: %w", err))
	}
	return conn, nil
}

func (s *wsSTTStream) readLoop(ctx context.Context) {
	defer close(s.segments)
	defer close(s.done)
	for {
		var seg Segment
		if err := s.conn.ReadJSON(&seg); err != nil {
			reconnected, rerr := s.reconnect(ctx)
			if rerr != nil {
				return
			}
			s.conn = reconnected
			continue
		}
		select {
		case s.segments <- seg:
		case <-ctx.Done():
			return
		}
	}
}

func (s *wsSTTStream) reconnect(ctx context.Context) (*websocket.Conn, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	return dialWithBackoff(ctx, s.url)
}

func (s *wsSTTStream) Segments() <-chan Segment { return s.segments }

func (s *wsSTTStream) Close() error {
	if s.conn == nil {
		return nil
	}
	return s.conn.Close()
}

// wsTTSPlayer streams text to a TTS endpoint and reads back audio chunk
// frames, degrading to text-only logging on failure rather than aborting
// the session.
type wsTTSPlayer struct {
	url string
}

// NewTTSPlayer builds the default websocket-backed TTSPlayer.
func NewTTSPlayer(url string) TTSPlayer { return &wsTTSPlayer{url: url} }

type ttsFrame struct {
	AudioChunk []byte `json:"audio_chunk,omitempty"`
	Done       bool   `json:"done"`
	Error      string `json:"error,omitempty"`
}

func (p *wsTTSPlayer) Speak(ctx context.Context, utterance string) (string, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, p.url, nil)
	if err != nil {
		// TTS failure degrades to text-only logging, per the Conversation
		// Loop's failure semantics; the caller gets an empty reference and
		// the error.
		return "", apperr.Wrap(apperr.KindTransientExternal, fmt.Errorf("tts dial: %w", err))
	}
	defer conn.Close()

	if err := conn.WriteJSON(map[string]string{"utterance": utterance}); err != nil {
		return "", apperr.Wrap(apperr.KindTransientExternal, fmt.Errorf("tts send: %w", err))
	}

	audioRef := fmt.Sprintf("tts-%d", time.Now().UnixNano())
	for {
		select {
		case <-ctx.Done():
			return audioRef, ctx.Err()
		default:
		}

		var frame ttsFrame
		if err := conn.ReadJSON(&frame); err != nil {
			return audioRef, apperr.Wrap(apperr.KindTransientExternal, fmt.Errorf("tts read: %w", err))
		}
		if frame.Error != "" {
			return audioRef, apperr.New(apperr.KindTransientExternal, "tts error: %s", frame.Error)
		}
		if frame.Done {
			return audioRef, nil
		}
	}
}
