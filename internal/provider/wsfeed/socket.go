package wsfeed

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"
	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"
)

const (
	controlWriteTimeout    = 5 * time.Second
	controlMessageInterval = 250 * time.Millisecond
	maxTopicsPerRequest    = 50
)

// frameHandler consumes raw data frames from the read loop.
type frameHandler func(payload []byte, receivedTS time.Time)

// socket maintains one WebSocket connection with automatic reconnection and
// resubscription. Topics survive reconnects: the active set is replayed after
// every successful dial.
type socket struct {
	url  string
	log  zerolog.Logger
	ctx  context.Context
	stop context.CancelFunc

	handler  frameHandler
	onState  func(connected bool, reason string)
	msgIDGen atomic.Int64

	connMu sync.RWMutex
	conn   *websocket.Conn

	topicsMu sync.Mutex
	topics   map[string]struct{}

	controlMu       sync.Mutex
	lastControlSend time.Time

	ready     chan struct{}
	readyOnce sync.Once
	done      chan struct{}
}

func newSocket(ctx context.Context, url string, log zerolog.Logger, handler frameHandler, onState func(bool, string)) *socket {
	sctx, cancel := context.WithCancel(ctx)
	return &socket{
		url:     url,
		log:     log,
		ctx:     sctx,
		stop:    cancel,
		handler: handler,
		onState: onState,
		topics:  make(map[string]struct{}),
		ready:   make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// run dials and maintains the connection until the socket context ends.
// Launch on its own goroutine.
func (s *socket) run() {
	defer close(s.done)
	backoffCfg := backoff.NewExponentialBackOff()

	for {
		select {
		case <-s.ctx.Done():
			return
		default:
		}

		conn, _, err := websocket.Dial(s.ctx, s.url, nil)
		if err != nil {
			s.log.Warn().Err(err).Str("url", s.url).Msg("dial failed")
			if !s.sleep(backoffCfg.NextBackOff()) {
				return
			}
			continue
		}

		s.connMu.Lock()
		s.conn = conn
		s.connMu.Unlock()
		s.readyOnce.Do(func() { close(s.ready) })
		backoffCfg.Reset()
		if s.onState != nil {
			s.onState(true, "")
		}

		if err := s.subscribeAll(); err != nil {
			s.log.Warn().Err(err).Msg("resubscribe after reconnect failed")
		}

		err = s.readLoop(conn)
		s.connMu.Lock()
		s.conn = nil
		s.connMu.Unlock()
		if s.onState != nil {
			reason := "read loop ended"
			if err != nil {
				reason = err.Error()
			}
			s.onState(false, reason)
		}
		if errors.Is(err, context.Canceled) {
			return
		}

		if !s.sleep(backoffCfg.NextBackOff()) {
			return
		}
	}
}

func (s *socket) sleep(d time.Duration) bool {
	select {
	case <-s.ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

// waitReady blocks until the first successful dial or the context ends.
func (s *socket) waitReady(ctx context.Context) error {
	select {
	case <-s.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ctx.Done():
		return context.Canceled
	}
}

func (s *socket) close() {
	s.stop()
	s.connMu.Lock()
	if s.conn != nil {
		_ = s.conn.Close(websocket.StatusNormalClosure, "shutdown")
		s.conn = nil
	}
	s.connMu.Unlock()
	<-s.done
}

func (s *socket) readLoop(conn *websocket.Conn) error {
	for {
		msgType, data, err := conn.Read(s.ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return context.Canceled
			}
			_ = conn.Close(websocket.StatusNormalClosure, "")
			return fmt.Errorf("read: %w", err)
		}
		if msgType != websocket.MessageText {
			continue
		}

		// Frames carrying an id are control acks, not data.
		var resp controlResponse
		if err := json.Unmarshal(data, &resp); err == nil && resp.ID > 0 {
			if resp.Error != "" {
				s.log.Warn().Int64("id", resp.ID).Str("error", resp.Error).Msg("control request rejected")
			}
			continue
		}

		if s.handler != nil {
			s.handler(data, time.Now().UTC())
		}
	}
}

// subscribe adds topics to the active set and announces them to the feed.
func (s *socket) subscribe(topics ...string) error {
	s.topicsMu.Lock()
	for _, t := range topics {
		s.topics[t] = struct{}{}
	}
	s.topicsMu.Unlock()
	return s.sendControl("subscribe", topics)
}

// unsubscribe removes topics from the active set; best-effort on the wire.
func (s *socket) unsubscribe(topics ...string) error {
	s.topicsMu.Lock()
	for _, t := range topics {
		delete(s.topics, t)
	}
	s.topicsMu.Unlock()
	return s.sendControl("unsubscribe", topics)
}

func (s *socket) subscribeAll() error {
	s.topicsMu.Lock()
	topics := make([]string, 0, len(s.topics))
	for t := range s.topics {
		topics = append(topics, t)
	}
	s.topicsMu.Unlock()
	if len(topics) == 0 {
		return nil
	}
	return s.sendControl("subscribe", topics)
}

// sendControl writes batched control requests, paced so the feed's control
// rate limit is never tripped.
func (s *socket) sendControl(op string, topics []string) error {
	if len(topics) == 0 {
		return nil
	}

	s.controlMu.Lock()
	defer s.controlMu.Unlock()

	s.connMu.RLock()
	conn := s.conn
	s.connMu.RUnlock()
	if conn == nil {
		// Topic bookkeeping already updated; the reconnect replay will
		// announce it.
		return errors.New("websocket not connected")
	}

	for start := 0; start < len(topics); start += maxTopicsPerRequest {
		end := start + maxTopicsPerRequest
		if end > len(topics) {
			end = len(topics)
		}
		if err := s.paceLocked(); err != nil {
			return err
		}

		req := controlRequest{Op: op, Topics: topics[start:end], ID: s.msgIDGen.Add(1)}
		data, err := json.Marshal(req)
		if err != nil {
			return fmt.Errorf("marshal %s request: %w", op, err)
		}
		writeCtx, cancel := context.WithTimeout(s.ctx, controlWriteTimeout)
		err = conn.Write(writeCtx, websocket.MessageText, data)
		cancel()
		if err != nil {
			return fmt.Errorf("write %s request: %w", op, err)
		}
		s.lastControlSend = time.Now()
	}
	return nil
}

func (s *socket) paceLocked() error {
	if s.lastControlSend.IsZero() {
		return nil
	}
	wait := time.Until(s.lastControlSend.Add(controlMessageInterval))
	if wait <= 0 {
		return nil
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-s.ctx.Done():
		return fmt.Errorf("context done while pacing control requests: %w", s.ctx.Err())
	}
}

// ping probes the live connection; used by the health monitor when a channel
// has been idle.
func (s *socket) ping(ctx context.Context) error {
	s.connMu.RLock()
	conn := s.conn
	s.connMu.RUnlock()
	if conn == nil {
		return errors.New("websocket not connected")
	}
	return conn.Ping(ctx)
}
