// Package stream manages one reconnecting streaming channel per active
// conversation, delivering partial output strictly ordered by sequence
// cursor with pull-based backpressure.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"
	"github.com/fablecastco/fablecast/internal/config"
	"github.com/fablecastco/fablecast/internal/genclient"
)

var (
	// ErrStreamUnavailable means reconnection attempts are exhausted.
	// Output already delivered to the caller remains valid.
	ErrStreamUnavailable = errors.New("stream unavailable")
	// ErrStreamGap means a sequence gap was not filled within the gap
	// timeout and the buffered chunks were discarded.
	ErrStreamGap = errors.New("stream sequence gap")
	// ErrSessionClosed is returned from Next after Close.
	ErrSessionClosed = errors.New("stream session closed")
)

const (
	frameChunk     = "chunk"
	frameEnd       = "end"
	frameHeartbeat = "heartbeat"
)

// frame is one websocket message on the streaming wire. Chunks carry a
// monotonically increasing seq; the end marker carries the finish
// reason.
type frame struct {
	Type         string `json:"type"`
	Seq          int64  `json:"seq,omitempty"`
	Text         string `json:"text,omitempty"`
	FinishReason string `json:"finish_reason,omitempty"`
}

// Chunk is one ordered piece of partial output.
type Chunk struct {
	Seq  int64
	Text string
}

// Dialer opens streaming sessions against the generation service.
type Dialer struct {
	baseURL          string
	creds            genclient.CredentialSource
	maxReconnects    int
	heartbeatTimeout time.Duration
	gapTimeout       time.Duration
	backoffBase      time.Duration
	backoffMax       time.Duration
}

func NewDialer(cfg config.StreamConfig, svc config.ServiceConfig, creds genclient.CredentialSource) *Dialer {
	d := &Dialer{
		baseURL:          svc.BaseURL,
		creds:            creds,
		maxReconnects:    cfg.MaxReconnects,
		heartbeatTimeout: time.Duration(cfg.HeartbeatTimeoutSec) * time.Second,
		gapTimeout:       time.Duration(cfg.GapTimeoutSec) * time.Second,
		backoffBase:      time.Duration(svc.BackoffBaseMs) * time.Millisecond,
		backoffMax:       time.Duration(svc.BackoffMaxMs) * time.Millisecond,
	}
	if d.maxReconnects <= 0 {
		d.maxReconnects = config.DefaultMaxReconnects
	}
	if d.heartbeatTimeout <= 0 {
		d.heartbeatTimeout = config.DefaultHeartbeatSec * time.Second
	}
	if d.gapTimeout <= 0 {
		d.gapTimeout = config.DefaultGapTimeoutSec * time.Second
	}
	if d.backoffBase <= 0 {
		d.backoffBase = config.DefaultBackoffBaseMs * time.Millisecond
	}
	if d.backoffMax < d.backoffBase {
		d.backoffMax = config.DefaultBackoffMaxMs * time.Millisecond
	}
	return d
}

// Open dials the streaming endpoint and returns the session handle.
func (d *Dialer) Open(ctx context.Context, conversationID string, req *genclient.Request) (*Session, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = d.backoffBase
	bo.MaxInterval = d.backoffMax
	bo.Multiplier = 2
	bo.RandomizationFactor = 0.5

	s := &Session{
		d:              d,
		conversationID: conversationID,
		req:            req,
		pending:        make(map[int64]frame),
		bo:             bo,
		now:            time.Now,
	}
	if err := s.connect(ctx); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStreamUnavailable, err)
	}
	return s, nil
}

// Session is one logical stream over a possibly-reconnecting transport.
// The sequence cursor only increases; chunks at or below it are
// discarded, gapped chunks are buffered until the gap fills or times
// out. Not safe for concurrent Next calls; Close may race Next.
type Session struct {
	d              *Dialer
	conversationID string
	req            *genclient.Request

	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool

	cursor       int64
	reconnects   int
	pending      map[int64]frame
	ready        []Chunk
	firstGapAt   time.Time
	done         bool
	finishReason string

	bo  *backoff.ExponentialBackOff
	now func() time.Time
}

// Next returns the next ordered chunk. It returns io.EOF after the end
// marker, ErrSessionClosed after Close, and ErrStreamUnavailable when
// the transport could not be recovered.
func (s *Session) Next(ctx context.Context) (Chunk, error) {
	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return Chunk{}, ErrSessionClosed
		}
		if len(s.ready) > 0 {
			chunk := s.ready[0]
			s.ready = s.ready[1:]
			s.mu.Unlock()
			return chunk, nil
		}
		if s.done {
			s.mu.Unlock()
			return Chunk{}, io.EOF
		}
		conn := s.conn
		s.mu.Unlock()

		if conn == nil {
			if err := s.reconnect(ctx); err != nil {
				return Chunk{}, err
			}
			continue
		}

		// Absence of any frame within the heartbeat window triggers a
		// proactive reconnect instead of waiting for a hard failure.
		readCtx, cancel := context.WithTimeout(ctx, s.d.heartbeatTimeout)
		_, data, err := conn.Read(readCtx)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return Chunk{}, ctx.Err()
			}
			if s.isClosed() {
				return Chunk{}, ErrSessionClosed
			}
			if err := s.reconnect(ctx); err != nil {
				return Chunk{}, err
			}
			continue
		}

		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			log.Printf("[stream] %s: dropping malformed frame: %v", s.conversationID, err)
			continue
		}

		switch f.Type {
		case frameHeartbeat:
			continue
		case frameEnd:
			s.mu.Lock()
			undelivered := len(s.pending)
			cursor := s.cursor
			s.done = true
			s.finishReason = f.FinishReason
			s.pending = make(map[int64]frame)
			s.firstGapAt = time.Time{}
			endConn := s.conn
			s.conn = nil
			s.mu.Unlock()
			if endConn != nil {
				_ = endConn.Close(websocket.StatusNormalClosure, "stream complete")
			}
			// Ending with buffered successors means the gap will never
			// fill; the output is truncated, not complete.
			if undelivered > 0 {
				return Chunk{}, fmt.Errorf("%w: %d chunks undelivered past cursor %d at end of stream", ErrStreamGap, undelivered, cursor)
			}
		case frameChunk:
			if err := s.accept(f); err != nil {
				return Chunk{}, err
			}
		}
	}
}

// accept applies the cursor discipline to an incoming chunk frame.
func (s *Session) accept(f frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	switch {
	case f.Seq <= s.cursor:
		// Duplicate or replay after resume; never re-delivered.
	case f.Seq == s.cursor+1:
		s.cursor = f.Seq
		s.ready = append(s.ready, Chunk{Seq: f.Seq, Text: f.Text})
		for {
			nf, ok := s.pending[s.cursor+1]
			if !ok {
				break
			}
			delete(s.pending, s.cursor+1)
			s.cursor = nf.Seq
			s.ready = append(s.ready, Chunk{Seq: nf.Seq, Text: nf.Text})
		}
		if len(s.pending) == 0 {
			s.firstGapAt = time.Time{}
		}
	default:
		s.pending[f.Seq] = f
		if s.firstGapAt.IsZero() {
			s.firstGapAt = now
		}
	}

	if !s.firstGapAt.IsZero() && now.Sub(s.firstGapAt) > s.d.gapTimeout {
		s.pending = make(map[int64]frame)
		s.firstGapAt = time.Time{}
		return fmt.Errorf("%w: unfilled after cursor %d", ErrStreamGap, s.cursor)
	}
	return nil
}

func (s *Session) reconnect(ctx context.Context) error {
	s.mu.Lock()
	if s.conn != nil {
		_ = s.conn.CloseNow()
		s.conn = nil
	}
	s.mu.Unlock()

	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return ErrSessionClosed
		}
		if s.reconnects >= s.d.maxReconnects {
			s.mu.Unlock()
			return fmt.Errorf("%w: %d reconnect attempts exhausted", ErrStreamUnavailable, s.d.maxReconnects)
		}
		s.reconnects++
		attempt := s.reconnects
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.bo.NextBackOff()):
		}

		if err := s.connect(ctx); err != nil {
			log.Printf("[stream] %s: reconnect %d/%d failed: %v", s.conversationID, attempt, s.d.maxReconnects, err)
			continue
		}

		// The attempt budget is per transport drop, not per session:
		// a recovered stream gets the full budget and a fresh backoff
		// schedule on its next drop.
		s.mu.Lock()
		s.reconnects = 0
		s.mu.Unlock()
		s.bo.Reset()

		log.Printf("[stream] %s: reconnected at cursor %d (attempt %d)", s.conversationID, s.cursor, attempt)
		return nil
	}
}

// connect dials the endpoint and replays the request, resuming after
// the preserved cursor so the server can skip already-delivered chunks.
func (s *Session) connect(ctx context.Context) error {
	token, err := s.d.creds(ctx)
	if err != nil {
		return fmt.Errorf("stream credentials: %w", err)
	}

	s.mu.Lock()
	after := s.cursor
	s.mu.Unlock()

	u, err := url.Parse(s.d.baseURL)
	if err != nil {
		return fmt.Errorf("parse stream base url: %w", err)
	}
	u.Path = "/v1/stream"
	q := u.Query()
	q.Set("conversation_id", s.conversationID)
	q.Set("after", strconv.FormatInt(after, 10))
	u.RawQuery = q.Encode()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	conn, _, err := websocket.Dial(ctx, u.String(), &websocket.DialOptions{
		HTTPHeader: header,
	})
	if err != nil {
		return fmt.Errorf("dial stream: %w", err)
	}

	payload, err := json.Marshal(s.req)
	if err != nil {
		conn.CloseNow()
		return fmt.Errorf("marshal stream request: %w", err)
	}
	writeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	err = conn.Write(writeCtx, websocket.MessageText, payload)
	cancel()
	if err != nil {
		conn.CloseNow()
		return fmt.Errorf("send stream request: %w", err)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		conn.CloseNow()
		return ErrSessionClosed
	}
	s.conn = conn
	s.mu.Unlock()
	return nil
}

// FinishReason reports the end marker's finish reason once Next has
// returned io.EOF.
func (s *Session) FinishReason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finishReason
}

// Cursor reports the last delivered sequence number.
func (s *Session) Cursor() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close terminates the session and stops any further reconnection
// attempts. Idempotent.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()

	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "client closed")
	}
	return nil
}
