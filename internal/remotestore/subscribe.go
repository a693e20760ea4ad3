package remotestore

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/pelago-hub/hubd/internal/logging"
)

const (
	defaultDialTimeout  = 10 * time.Second
	defaultPingInterval = 30 * time.Second
	defaultPongTimeout  = 60 * time.Second
	minReconnectDelay   = 1 * time.Second
	maxReconnectDelay   = 30 * time.Second
)

// changeEvent is one frame of the remote store's change-stream: a row
// change on the commands table, delivered as push-mode notification.
type changeEvent struct {
	Table  string     `json:"table"`
	Op     string     `json:"op"` // insert, update, delete
	Record CommandRow `json:"record"`
}

// Subscriber maintains a WebSocket connection to the remote store's
// change-stream endpoint, the push-mode half of command delivery. It
// reconnects with backoff and notifies caller-supplied connect and
// disconnect callbacks; the wire protocol is WebSocket JSON frames.
type Subscriber struct {
	log    *logging.Logger
	wsURL  string
	apiKey string

	onCommand    func(CommandRow)
	onConnect    func()
	onDisconnect func(err error)

	mu        sync.RWMutex
	connected bool

	done   chan struct{}
	closed sync.Once
}

// NewSubscriber builds a change-stream subscriber. wsURL should already
// point at the commands-table change-stream path (e.g.
// wss://host/realtime/v1/commands).
func NewSubscriber(log *logging.Logger, wsURL, apiKey string, onCommand func(CommandRow)) *Subscriber {
	return &Subscriber{
		log:       log,
		wsURL:     wsURL,
		apiKey:    apiKey,
		onCommand: onCommand,
		done:      make(chan struct{}),
	}
}

// SetOnConnect registers a callback fired every time the stream
// (re)connects, e.g. to trigger the pull-mode -> push-mode downgrade
// reversal in the command queue consumer.
func (s *Subscriber) SetOnConnect(cb func()) { s.onConnect = cb }

// SetOnDisconnect registers a callback fired whenever the connection is
// lost, e.g. to trigger a temporary downgrade to pull-mode polling.
func (s *Subscriber) SetOnDisconnect(cb func(err error)) { s.onDisconnect = cb }

// SetOnCommand registers the callback fired for every commands-table
// insert delivered over the change stream. Unlike the constructor
// argument of the same name, this can be set after the consumer that
// processes the row has itself been built from this Subscriber.
func (s *Subscriber) SetOnCommand(cb func(CommandRow)) {
	s.mu.Lock()
	s.onCommand = cb
	s.mu.Unlock()
}

func (s *Subscriber) fireCommand(row CommandRow) {
	s.mu.RLock()
	cb := s.onCommand
	s.mu.RUnlock()
	if cb != nil {
		cb(row)
	}
}

// IsConnected reports the last-known connection state.
func (s *Subscriber) IsConnected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connected
}

// Run drives the connect/read/reconnect loop until ctx is cancelled or
// Close is called. It never returns an error for a dropped connection:
// disconnects are reported through onDisconnect and retried with backoff.
func (s *Subscriber) Run(ctx context.Context) {
	delay := minReconnectDelay
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		default:
		}

		err := s.connectAndRead(ctx)
		if err == nil {
			delay = minReconnectDelay
			continue
		}

		s.setConnected(false)
		s.fireDisconnect(err)

		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case <-time.After(delay):
		}

		delay *= 2
		if delay > maxReconnectDelay {
			delay = maxReconnectDelay
		}
	}
}

func (s *Subscriber) connectAndRead(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, defaultDialTimeout)
	defer cancel()

	u, err := url.Parse(s.wsURL)
	if err != nil {
		return fmt.Errorf("remotestore: invalid websocket url: %w", err)
	}
	header := make(map[string][]string)
	header["apikey"] = []string{s.apiKey}
	header["Authorization"] = []string{"Bearer " + s.apiKey}

	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, u.String(), header)
	if err != nil {
		return fmt.Errorf("remotestore: dial: %w", err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(defaultPongTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(defaultPongTimeout))
		return nil
	})

	s.setConnected(true)
	s.fireConnect()

	stop := make(chan struct{})
	go s.pingLoop(conn, stop)
	defer close(stop)

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("remotestore: read: %w", err)
		}

		var evt changeEvent
		if err := json.Unmarshal(raw, &evt); err != nil {
			if s.log != nil {
				s.log.Warn("remotestore: malformed change-stream frame", "error", err)
			}
			continue
		}
		if evt.Table != "commands" || evt.Op != "insert" {
			continue
		}
		s.fireCommand(evt.Record)
	}
}

func (s *Subscriber) pingLoop(conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(defaultPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				return
			}
		}
	}
}

func (s *Subscriber) setConnected(v bool) {
	s.mu.Lock()
	s.connected = v
	s.mu.Unlock()
}

func (s *Subscriber) fireConnect() {
	if s.onConnect != nil {
		s.onConnect()
	}
}

func (s *Subscriber) fireDisconnect(err error) {
	if s.onDisconnect != nil {
		s.onDisconnect(err)
	}
}

// Close stops the subscriber's reconnect loop.
func (s *Subscriber) Close() {
	s.closed.Do(func() { close(s.done) })
}
