// Package mqttbroker is a small embedded MQTT v3.1.1 broker so networked
// readers can publish tag reads straight to the scan logger when no external
// broker is deployed. Inbound QoS 0 and QoS 1 publishes are accepted; QoS 1
// is acknowledged only after the publish handler returns. Subscribers are
// served at QoS 0.
package mqttbroker

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// Message is a publish received from a client.
type Message struct {
	ClientID string
	Topic    string
	Payload  []byte
}

// Handler is invoked for each received publish, in order per connection.
type Handler func(context.Context, Message)

type session struct {
	conn     net.Conn
	reader   *bufio.Reader
	clientID string
	closed   atomic.Bool

	writeMu sync.Mutex

	subsMu sync.RWMutex
	subs   map[string]struct{}
}

func newSession(conn net.Conn) *session {
	return &session{conn: conn, reader: bufio.NewReader(conn), subs: make(map[string]struct{})}
}

func (s *session) setName(clientID string) {
	s.subsMu.Lock()
	s.clientID = clientID
	s.subsMu.Unlock()
}

func (s *session) name() string {
	s.subsMu.RLock()
	defer s.subsMu.RUnlock()
	return s.clientID
}

func (s *session) subscribe(filter string) {
	s.subsMu.Lock()
	s.subs[filter] = struct{}{}
	s.subsMu.Unlock()
}

func (s *session) unsubscribe(filter string) {
	s.subsMu.Lock()
	delete(s.subs, filter)
	s.subsMu.Unlock()
}

func (s *session) wants(topic string) bool {
	s.subsMu.RLock()
	defer s.subsMu.RUnlock()
	for f := range s.subs {
		if Match(f, topic) {
			return true
		}
	}
	return false
}

func (s *session) write(packet []byte) error {
	if s.closed.Load() {
		return net.ErrClosed
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.conn.Write(packet)
	return err
}

// Broker accepts reader connections on a TCP listener.
type Broker struct {
	logger   *slog.Logger
	handler  atomic.Value // Handler
	stopping atomic.Bool
	wg       sync.WaitGroup

	mu       sync.Mutex
	listener net.Listener

	sessionsMu sync.RWMutex
	sessions   map[*session]struct{}
}

func New(logger *slog.Logger) *Broker {
	b := &Broker{logger: logger, sessions: make(map[*session]struct{})}
	b.handler.Store(Handler(func(context.Context, Message) {}))
	return b
}

// OnPublish installs the handler for inbound publishes.
func (b *Broker) OnPublish(h Handler) {
	if h == nil {
		h = func(context.Context, Message) {}
	}
	b.handler.Store(h)
}

// Start listens on bind. Handlers receive ctx. The returned channel carries
// a fatal accept error and is closed when the accept loop ends.
func (b *Broker) Start(ctx context.Context, bind string) (<-chan error, error) {
	ln, err := net.Listen("tcp", bind)
	if err != nil {
		return nil, fmt.Errorf("mqtt listen: %w", err)
	}

	b.mu.Lock()
	b.listener = ln
	b.mu.Unlock()

	errCh := make(chan error, 1)
	b.logger.Info("mqtt broker listening", "addr", ln.Addr().String())

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer close(errCh)
		for {
			conn, err := ln.Accept()
			if err != nil {
				if b.stopping.Load() {
					return
				}
				var ne net.Error
				if errors.As(err, &ne) && ne.Timeout() {
					time.Sleep(50 * time.Millisecond)
					continue
				}
				errCh <- fmt.Errorf("mqtt accept: %w", err)
				return
			}

			s := newSession(conn)
			b.sessionsMu.Lock()
			if b.stopping.Load() {
				b.sessionsMu.Unlock()
				_ = conn.Close()
				return
			}
			b.sessions[s] = struct{}{}
			b.sessionsMu.Unlock()

			b.wg.Add(1)
			go func() {
				defer b.wg.Done()
				b.serve(ctx, s)
			}()
		}
	}()

	return errCh, nil
}

// Addr reports the listening address, or nil before Start.
func (b *Broker) Addr() net.Addr {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.listener == nil {
		return nil
	}
	return b.listener.Addr()
}

// Stop closes the listener and every connection, then waits for running
// handlers to return. Safe to call more than once.
func (b *Broker) Stop() {
	if !b.stopping.CompareAndSwap(false, true) {
		return
	}

	b.mu.Lock()
	if b.listener != nil {
		_ = b.listener.Close()
	}
	b.mu.Unlock()

	b.sessionsMu.Lock()
	for s := range b.sessions {
		s.closed.Store(true)
		_ = s.conn.Close()
	}
	b.sessionsMu.Unlock()

	b.wg.Wait()
	b.logger.Info("mqtt broker stopped")
}

// Publish delivers payload at QoS 0 to every client subscribed to topic.
func (b *Broker) Publish(topic string, payload []byte) error {
	packet, err := encodePublish(topic, payload)
	if err != nil {
		return err
	}

	b.sessionsMu.RLock()
	defer b.sessionsMu.RUnlock()
	for s := range b.sessions {
		if !s.wants(topic) {
			continue
		}
		if err := s.write(packet); err != nil {
			b.logger.Warn("publish to subscriber failed", "client", s.name(), "error", err)
		}
	}
	return nil
}

func (b *Broker) serve(ctx context.Context, s *session) {
	defer func() {
		s.closed.Store(true)
		b.sessionsMu.Lock()
		delete(b.sessions, s)
		b.sessionsMu.Unlock()
		_ = s.conn.Close()
	}()

	var keepAlive time.Duration
	for {
		if keepAlive > 0 {
			_ = s.conn.SetReadDeadline(time.Now().Add(keepAlive + keepAlive/2))
		}
		header, body, err := readPacket(s.reader)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				b.logger.Debug("mqtt read failed", "client", s.name(), "error", err)
			}
			return
		}

		switch header >> 4 {
		case packetConnect:
			c, err := decodeConnect(body)
			if err != nil {
				b.logger.Warn("mqtt connect rejected", "remote", s.conn.RemoteAddr().String(), "error", err)
				_ = s.write(connack(connackRefusedProtocol))
				return
			}
			s.setName(c.clientID)
			keepAlive = c.keepAlive
			if err := s.write(connack(connackAccepted)); err != nil {
				return
			}
			b.logger.Debug("mqtt client connected", "client", s.name())
		case packetPublish:
			p, err := decodePublish(header, body)
			if err != nil {
				b.logger.Debug("mqtt publish rejected", "client", s.name(), "error", err)
				return
			}
			b.dispatch(ctx, Message{ClientID: s.name(), Topic: p.topic, Payload: p.payload})
			if p.qos == 1 {
				if err := s.write(ack(packetPuback, p.packetID)); err != nil {
					return
				}
			}
			b.forward(p.topic, p.payload, s)
		case packetSubscribe:
			id, filters, err := decodeSubscribe(body)
			if err != nil {
				b.logger.Debug("mqtt subscribe rejected", "client", s.name(), "error", err)
				return
			}
			for _, f := range filters {
				s.subscribe(f)
			}
			if err := s.write(suback(id, len(filters))); err != nil {
				return
			}
		case packetUnsubscribe:
			id, filters, err := decodeUnsubscribe(body)
			if err != nil {
				return
			}
			for _, f := range filters {
				s.unsubscribe(f)
			}
			if err := s.write(ack(packetUnsuback, id)); err != nil {
				return
			}
		case packetPingreq:
			if err := s.write([]byte{packetPingresp << 4, 0}); err != nil {
				return
			}
		case packetDisconnect:
			return
		default:
			b.logger.Debug("unsupported mqtt packet", "client", s.name(), "type", header>>4)
			return
		}
	}
}

func (b *Broker) dispatch(ctx context.Context, msg Message) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("publish handler panic", "topic", msg.Topic, "panic", r)
		}
	}()
	if h, ok := b.handler.Load().(Handler); ok {
		h(ctx, msg)
	}
}

func (b *Broker) forward(topic string, payload []byte, from *session) {
	packet, err := encodePublish(topic, payload)
	if err != nil {
		return
	}
	b.sessionsMu.RLock()
	defer b.sessionsMu.RUnlock()
	for s := range b.sessions {
		if s == from || !s.wants(topic) {
			continue
		}
		if err := s.write(packet); err != nil {
			b.logger.Debug("forward publish failed", "client", s.name(), "error", err)
		}
	}
}
