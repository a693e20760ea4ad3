package esphome

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pelago-hub/hubd/internal/adapter"
	"github.com/pelago-hub/hubd/internal/transport/espframe"
)

// session is one live TCP connection to a single ESPHome device.
type session struct {
	conn   net.Conn
	reader *bufio.Reader

	writeMu sync.Mutex

	mu       sync.Mutex
	onUpdate func(adapter.StateUpdate)
	deviceID string

	lastPong atomic.Int64 // unix seconds, updated on every Ping/PongResponse
	closed   atomic.Bool
	done     chan struct{}
	closeOnce sync.Once
}

func (s *session) writeMessage(msgType uint64, body []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return espframe.WriteFrame(s.conn, msgType, body)
}

// readFrame reads exactly one frame, honoring ctx cancellation by racing
// the blocking read against ctx.Done and closing the connection to
// unblock it if ctx wins.
func (s *session) readFrame(ctx context.Context) (espframe.Frame, error) {
	type result struct {
		frame espframe.Frame
		err   error
	}
	resCh := make(chan result, 1)
	go func() {
		f, err := espframe.ReadFrame(s.reader)
		resCh <- result{f, err}
	}()

	select {
	case res := <-resCh:
		return res.frame, res.err
	case <-ctx.Done():
		s.close()
		return espframe.Frame{}, ctx.Err()
	}
}

func (s *session) handshake(password []byte) error {
	if err := espframe.WriteFrame(s.conn, msgHelloRequest, espframe.EncodeMessage(
		espframe.StringField(1, clientName),
	)); err != nil {
		return fmt.Errorf("esphome: hello: %w", err)
	}

	s.conn.SetReadDeadline(time.Now().Add(helloTimeout))
	frame, err := espframe.ReadFrame(s.reader)
	s.conn.SetReadDeadline(time.Time{})
	if err != nil {
		return fmt.Errorf("esphome: hello response: %w", err)
	}
	if frame.Type != msgHelloResponse {
		return fmt.Errorf("esphome: unexpected message %d waiting for hello response", frame.Type)
	}

	connectFields := []espframe.Field{}
	if len(password) > 0 {
		connectFields = append(connectFields, espframe.StringField(1, string(password)))
	}
	if err := espframe.WriteFrame(s.conn, msgConnectRequest, espframe.EncodeMessage(connectFields...)); err != nil {
		return fmt.Errorf("esphome: connect: %w", err)
	}

	s.conn.SetReadDeadline(time.Now().Add(helloTimeout))
	frame, err = espframe.ReadFrame(s.reader)
	s.conn.SetReadDeadline(time.Time{})
	if err != nil {
		return fmt.Errorf("esphome: connect response: %w", err)
	}
	if frame.Type != msgConnectResponse {
		return fmt.Errorf("esphome: unexpected message %d waiting for connect response", frame.Type)
	}

	fields, err := espframe.DecodeFields(frame.Body)
	if err == nil {
		for _, f := range fields {
			if f.Number == 1 && f.Varint != 0 {
				return fmt.Errorf("esphome: connect rejected (invalid password)")
			}
		}
	}

	return nil
}

// readLoop drains incoming frames for the lifetime of a SubscribeState
// registration, decoding state frames and forwarding them to onUpdate.
func (s *session) readLoop(ctx context.Context) {
	for {
		frame, err := s.readFrame(ctx)
		if err != nil {
			return
		}

		switch frame.Type {
		case msgPingRequest:
			_ = s.writeMessage(msgPingResponse, nil)
			s.lastPong.Store(time.Now().Unix())
		case msgPingResponse:
			s.lastPong.Store(time.Now().Unix())
		case msgBinarySensorState, msgSwitchState, msgLightState, msgSensorState, msgTextSensorState, msgNumberState:
			s.handleStateFrame(frame)
		}
	}
}

func (s *session) handleStateFrame(frame espframe.Frame) {
	fields, err := espframe.DecodeFields(frame.Body)
	if err != nil {
		return
	}

	var key uint32
	var haveKey bool
	value := make(map[string]any)

	for _, f := range fields {
		switch f.Number {
		case fieldStateKey:
			key, haveKey = fieldToKey(f)
		case fieldStateBool:
			value["on"] = f.Varint != 0
		case fieldStateFloat:
			value["value"] = float64(f.Float32())
		case fieldStateText:
			value["text"] = string(f.Bytes)
		case fieldLightBrightness:
			value["brightness"] = float64(f.Float32())
		case fieldLightColorTempK:
			value["color_temp_k"] = float64(f.Float32())
		}
	}
	if !haveKey {
		return
	}

	s.mu.Lock()
	onUpdate := s.onUpdate
	deviceID := s.deviceID
	s.mu.Unlock()
	if onUpdate == nil {
		return
	}

	onUpdate(adapter.StateUpdate{
		DeviceID:  deviceID,
		DriverKey: keyToString(key),
		Value:     value,
		At:        time.Now(),
	})
}

func keyToString(key uint32) string {
	return fmt.Sprintf("%d", key)
}

// pingLoop sends a Ping every pingInterval and closes the session if no
// Pong (or any traffic updating lastPong) is observed within pingTimeout.
func (s *session) pingLoop() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			last := time.Unix(s.lastPong.Load(), 0)
			if time.Since(last) > pingTimeout {
				s.close()
				return
			}
			_ = s.writeMessage(msgPingRequest, nil)
		}
	}
}

func (s *session) alive() bool {
	return !s.closed.Load()
}

func (s *session) close() {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		close(s.done)
		s.conn.Close()
	})
}
