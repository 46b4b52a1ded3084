// Package mqttbroker is the embedded MQTT v3.1.1 broker feeder modules connect to.
// It accepts QoS 0 and QoS 1 publishes, delivers at QoS 0 and supports
// '+' and '#' subscription wildcards. Sessions are never persisted.
package mqttbroker

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// PublishMessage represents a publish received from a client.
type PublishMessage struct {
	ClientID string
	Topic    string
	Payload  []byte
	QoS      byte
}

// Handler is invoked for each received publish message.
type Handler func(context.Context, PublishMessage)

type clientSession struct {
	conn     net.Conn
	reader   *bufio.Reader
	writeMu  sync.Mutex
	clientID string
	closed   atomic.Bool

	subMu         sync.RWMutex
	subscriptions map[string]struct{}
}

func newSession(conn net.Conn) *clientSession {
	return &clientSession{
		conn:          conn,
		reader:        bufio.NewReader(conn),
		subscriptions: make(map[string]struct{}),
	}
}

func (c *clientSession) subscribed(topic string) bool {
	c.subMu.RLock()
	defer c.subMu.RUnlock()
	for filter := range c.subscriptions {
		if matchTopic(filter, topic) {
			return true
		}
	}
	return false
}

func (c *clientSession) addSubscription(filter string) {
	c.subMu.Lock()
	c.subscriptions[filter] = struct{}{}
	c.subMu.Unlock()
}

func (c *clientSession) removeSubscription(filter string) {
	c.subMu.Lock()
	delete(c.subscriptions, filter)
	c.subMu.Unlock()
}

func (c *clientSession) writePacket(packet []byte) error {
	if c.closed.Load() {
		return net.ErrClosed
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	_, err := c.conn.Write(packet)
	return err
}

// Broker accepts MQTT clients and routes publishes between them and the service.
type Broker struct {
	logger       *zap.Logger
	listener     net.Listener
	handler      atomic.Value // stores Handler
	mu           sync.Mutex
	wg           sync.WaitGroup
	shuttingDown atomic.Bool
	ctx          context.Context
	cancel       context.CancelFunc

	clientsMu sync.RWMutex
	clients   map[*clientSession]struct{}
}

// New constructs a broker with the supplied logger.
func New(logger *zap.Logger) *Broker {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	b := &Broker{
		logger:  logger.Named("mqtt"),
		clients: make(map[*clientSession]struct{}),
		ctx:     ctx,
		cancel:  cancel,
	}
	b.handler.Store(Handler(func(context.Context, PublishMessage) {}))
	return b
}

// Start begins listening for MQTT clients on the provided bind address.
// The returned channel is closed once the accept loop terminates; fatal errors are sent on it.
func (b *Broker) Start(bind string) (<-chan error, error) {
	ln, err := net.Listen("tcp", bind)
	if err != nil {
		return nil, fmt.Errorf("mqtt listen: %w", err)
	}

	b.mu.Lock()
	b.listener = ln
	b.mu.Unlock()

	errCh := make(chan error, 1)

	b.logger.Info("mqtt broker listening", zap.String("addr", ln.Addr().String()))

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for {
			conn, err := ln.Accept()
			if err != nil {
				if b.shuttingDown.Load() {
					close(errCh)
					return
				}
				var ne net.Error
				if errors.As(err, &ne) && ne.Timeout() {
					b.logger.Warn("temporary accept error", zap.Error(err))
					time.Sleep(50 * time.Millisecond)
					continue
				}
				errCh <- fmt.Errorf("mqtt accept: %w", err)
				close(errCh)
				return
			}

			session := newSession(conn)
			b.addClient(session)

			b.wg.Add(1)
			go func() {
				defer b.wg.Done()
				b.handleConn(session)
			}()
		}
	}()

	return errCh, nil
}

// Addr returns the bound listener address, or nil before Start.
func (b *Broker) Addr() net.Addr {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.listener == nil {
		return nil
	}
	return b.listener.Addr()
}

// Stop shuts down the broker and releases resources.
func (b *Broker) Stop() error {
	if !b.shuttingDown.CompareAndSwap(false, true) {
		return nil
	}
	b.cancel()

	b.mu.Lock()
	ln := b.listener
	b.listener = nil
	b.mu.Unlock()

	if ln != nil {
		_ = ln.Close()
	}

	b.clientsMu.Lock()
	for session := range b.clients {
		session.closed.Store(true)
		_ = session.conn.Close()
	}
	b.clients = make(map[*clientSession]struct{})
	b.clientsMu.Unlock()

	b.wg.Wait()
	return nil
}

// SetPublishHandler installs the function invoked for each received publish.
func (b *Broker) SetPublishHandler(h Handler) {
	if h == nil {
		h = func(context.Context, PublishMessage) {}
	}
	b.handler.Store(h)
}

// ClientCount reports connected sessions.
func (b *Broker) ClientCount() int {
	b.clientsMu.RLock()
	defer b.clientsMu.RUnlock()
	return len(b.clients)
}

// Publish sends a QoS 0 message to all clients whose filters match the topic.
func (b *Broker) Publish(topic string, payload []byte) error {
	if !validTopicName(topic) {
		return fmt.Errorf("invalid topic name %q", topic)
	}
	packet, err := buildPublishPacket(topic, payload)
	if err != nil {
		return err
	}
	b.deliver(topic, packet, nil)
	return nil
}

func (b *Broker) deliver(topic string, packet []byte, exclude *clientSession) {
	b.clientsMu.RLock()
	defer b.clientsMu.RUnlock()

	for session := range b.clients {
		if session == exclude || !session.subscribed(topic) {
			continue
		}
		if err := session.writePacket(packet); err != nil {
			b.logger.Debug("deliver publish failed",
				zap.String("client", session.clientID),
				zap.String("topic", topic),
				zap.Error(err),
			)
		}
	}
}

func (b *Broker) addClient(session *clientSession) {
	b.clientsMu.Lock()
	b.clients[session] = struct{}{}
	b.clientsMu.Unlock()
}

func (b *Broker) removeClient(session *clientSession) {
	b.clientsMu.Lock()
	delete(b.clients, session)
	b.clientsMu.Unlock()
}

func (b *Broker) handleConn(session *clientSession) {
	defer func() {
		session.closed.Store(true)
		b.removeClient(session)
		_ = session.conn.Close()
	}()

	// CONNECT must arrive promptly.
	idle := 10 * time.Second
	connected := false

	for {
		_ = session.conn.SetReadDeadline(time.Now().Add(idle))

		header, err := session.reader.ReadByte()
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				b.logger.Debug("read header error", zap.String("client", session.clientID), zap.Error(err))
			}
			return
		}

		remaining, err := readRemainingLength(session.reader)
		if err != nil {
			b.logger.Debug("read remaining length error", zap.Error(err))
			return
		}
		if remaining > maxPacketSize {
			b.logger.Warn("packet too large", zap.String("client", session.clientID), zap.Int("size", remaining))
			return
		}

		payload := make([]byte, remaining)
		if _, err := io.ReadFull(session.reader, payload); err != nil {
			b.logger.Debug("read packet payload error", zap.Error(err))
			return
		}

		packetType := header >> 4
		if !connected && packetType != packetConnect {
			b.logger.Debug("packet before connect", zap.Uint8("type", packetType))
			return
		}

		switch packetType {
		case packetConnect:
			if connected {
				b.logger.Debug("second connect on session", zap.String("client", session.clientID))
				return
			}
			keepAlive, err := b.handleConnect(session, payload)
			if err != nil {
				b.logger.Debug("handle connect error", zap.Error(err))
				return
			}
			connected = true
			idle = keepAliveDeadline(keepAlive)

		case packetPublish:
			msg, packetID, err := parsePublish(header, payload)
			if err != nil {
				b.logger.Debug("parse publish error", zap.String("client", session.clientID), zap.Error(err))
				return
			}
			if msg.QoS == 1 {
				if err := session.writePacket(buildAck(packetPubAck, packetID)); err != nil {
					return
				}
			}
			msg.ClientID = session.clientID
			if h, ok := b.handler.Load().(Handler); ok {
				b.safeInvoke(h, msg)
			}
			if packet, err := buildPublishPacket(msg.Topic, msg.Payload); err == nil {
				b.deliver(msg.Topic, packet, session)
			}

		case packetSubscribe:
			if err := b.handleSubscribe(session, payload); err != nil {
				b.logger.Debug("handle subscribe error", zap.Error(err))
				return
			}

		case packetUnsubscribe:
			packetID, filters, err := parseUnsubscribe(payload)
			if err != nil {
				b.logger.Debug("parse unsubscribe error", zap.Error(err))
				return
			}
			for _, f := range filters {
				session.removeSubscription(f)
			}
			if err := session.writePacket(buildAck(packetUnsubAck, packetID)); err != nil {
				return
			}

		case packetPingReq:
			if err := session.writePacket([]byte{packetPingResp << 4, 0x00}); err != nil {
				b.logger.Debug("write pingresp error", zap.Error(err))
				return
			}

		case packetDisconnect:
			return

		default:
			b.logger.Debug("unsupported packet", zap.Uint8("type", packetType))
			return
		}
	}
}

// keepAliveDeadline allows one and a half keepalive periods of silence.
// A zero keepalive disables the check.
func keepAliveDeadline(keepAlive uint16) time.Duration {
	if keepAlive == 0 {
		return 24 * time.Hour
	}
	return time.Duration(keepAlive) * 1500 * time.Millisecond
}

func (b *Broker) handleConnect(session *clientSession, payload []byte) (uint16, error) {
	cp, code, err := parseConnect(payload)
	if err != nil {
		if code != connAckAccepted {
			_ = session.writePacket(buildConnAck(code))
		}
		return 0, err
	}

	if cp.clientID == "" {
		cp.clientID = fmt.Sprintf("anon-%d", time.Now().UnixNano())
	}
	session.clientID = cp.clientID

	if err := session.writePacket(buildConnAck(connAckAccepted)); err != nil {
		return 0, fmt.Errorf("write connack: %w", err)
	}

	b.logger.Debug("client connected",
		zap.String("client", cp.clientID),
		zap.Uint16("keepalive", cp.keepAlive),
		zap.String("username", cp.username),
	)
	return cp.keepAlive, nil
}

func (b *Broker) handleSubscribe(session *clientSession, payload []byte) error {
	packetID, subs, err := parseSubscribe(payload)
	if err != nil {
		return err
	}

	codes := make([]byte, 0, len(subs))
	for _, s := range subs {
		if !validFilter(s.filter) || s.qos > 2 {
			codes = append(codes, subAckFailure)
			continue
		}
		session.addSubscription(s.filter)
		// Delivery is always QoS 0.
		codes = append(codes, 0x00)
	}

	return session.writePacket(buildSubAck(packetID, codes))
}

func (b *Broker) safeInvoke(h Handler, msg PublishMessage) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("publish handler panic", zap.Any("panic", r), zap.String("topic", msg.Topic))
		}
	}()
	h(b.ctx, msg)
}
