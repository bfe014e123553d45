package ros

import (
	"context"
	"encoding/binary"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	modular "github.com/edwinhayes/logrus-modular"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const (
	// sessionQueueSize is the number of messages buffered per subscriber.
	// When a subscriber falls behind the oldest message is dropped.
	sessionQueueSize = 100
	handshakeTimeout = 5 * time.Second
	writeTimeout     = time.Second
)

type defaultPublisher struct {
	node     *defaultNode
	topic    string
	msgType  MessageType
	listener net.Listener
	logger   modular.Logger

	mu          sync.Mutex
	sessions    map[*remoteSubscriberSession]struct{}
	subscribers atomic.Int32
	nextID      atomic.Int32
	closed      atomic.Bool
	waitGroup   sync.WaitGroup
}

func newDefaultPublisher(node *defaultNode, topic string, msgType MessageType) (*defaultPublisher, error) {
	listener, err := net.Listen("tcp", net.JoinHostPort(node.listenIP, "0"))
	if err != nil {
		return nil, errors.Wrapf(err, "opening TCPROS listener for %s", topic)
	}
	logger := ModuleLogger(node.root, "ros.publisher").WithFields(logrus.Fields{
		"node":  node.qualifiedName,
		"topic": topic,
	})
	pub := &defaultPublisher{
		node:     node,
		topic:    topic,
		msgType:  msgType,
		listener: listener,
		logger:   logger,
		sessions: make(map[*remoteSubscriberSession]struct{}),
	}
	pub.waitGroup.Add(1)
	go pub.listenRemoteSubscriber()
	return pub, nil
}

func (pub *defaultPublisher) listenRemoteSubscriber() {
	defer pub.waitGroup.Done()
	pub.logger.Debugf("listening for subscribers on %s", pub.listener.Addr())
	for {
		conn, err := pub.listener.Accept()
		if err != nil {
			if !pub.closed.Load() {
				pub.logger.WithError(err).Warn("TCPROS listener closed unexpectedly")
			}
			return
		}

		session := newRemoteSubscriberSession(pub, conn)
		pub.mu.Lock()
		if pub.closed.Load() {
			pub.mu.Unlock()
			conn.Close()
			return
		}
		pub.sessions[session] = struct{}{}
		pub.waitGroup.Add(1)
		pub.mu.Unlock()
		go session.start()
	}
}

func (pub *defaultPublisher) Topic() string {
	return pub.topic
}

func (pub *defaultPublisher) NumSubscribers() int {
	return int(pub.subscribers.Load())
}

// Publish serializes msg once and queues it to every connected subscriber.
// It never blocks on a slow subscriber.
func (pub *defaultPublisher) Publish(msg Message) error {
	if pub.closed.Load() {
		return ErrPublisherClosed
	}
	data, err := SerializeMessage(msg)
	if err != nil {
		return errors.Wrapf(err, "serializing %s", pub.msgType.Name())
	}

	pub.mu.Lock()
	defer pub.mu.Unlock()
	for session := range pub.sessions {
		if session.subscribed.Load() {
			session.enqueue(data)
		}
	}
	return nil
}

// Shutdown unregisters the topic from the master and disconnects every
// subscriber.
func (pub *defaultPublisher) Shutdown() {
	pub.node.removePublisher(pub.topic)
	ctx, cancel := context.WithTimeout(context.Background(), apiTimeout)
	defer cancel()
	pub.unregister(ctx)
	pub.close()
}

func (pub *defaultPublisher) unregister(ctx context.Context) {
	if pub.closed.Load() {
		return
	}
	_, err := callRosAPI(ctx, pub.node.masterURI, "unregisterPublisher",
		pub.node.qualifiedName, pub.topic, pub.node.xmlrpcURI)
	if err != nil {
		pub.logger.WithError(err).Warn("failed to unregister publisher")
	}
}

// close releases the listener and every session. It is idempotent.
func (pub *defaultPublisher) close() {
	if !pub.closed.CompareAndSwap(false, true) {
		return
	}
	pub.listener.Close()
	pub.mu.Lock()
	for session := range pub.sessions {
		session.stop()
	}
	pub.mu.Unlock()
	pub.waitGroup.Wait()
	pub.logger.Debug("publisher closed")
}

func (pub *defaultPublisher) removeSession(session *remoteSubscriberSession) {
	pub.mu.Lock()
	defer pub.mu.Unlock()
	if _, ok := pub.sessions[session]; !ok {
		return
	}
	delete(pub.sessions, session)
	if session.subscribed.Load() {
		pub.subscribers.Add(-1)
	}
}

func (pub *defaultPublisher) port() (int32, error) {
	_, port, err := net.SplitHostPort(pub.listener.Addr().String())
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(port)
	if err != nil {
		return 0, err
	}
	return int32(n), nil
}

// busInfo lists the connections of this publisher in getBusInfo format.
// Callers hold node.mu, never pub.mu.
func (pub *defaultPublisher) busInfo() []interface{} {
	pub.mu.Lock()
	defer pub.mu.Unlock()
	var info []interface{}
	for session := range pub.sessions {
		if !session.subscribed.Load() {
			continue
		}
		info = append(info, []interface{}{session.id, session.callerID, "o", "TCPROS", pub.topic, true})
	}
	return info
}

type remoteSubscriberSession struct {
	pub      *defaultPublisher
	conn     net.Conn
	id       int32
	callerID string
	logger   modular.Logger

	queue      chan []byte
	quit       chan struct{}
	quitOnce   sync.Once
	subscribed atomic.Bool
}

func newRemoteSubscriberSession(pub *defaultPublisher, conn net.Conn) *remoteSubscriberSession {
	return &remoteSubscriberSession{
		pub:    pub,
		conn:   conn,
		id:     pub.nextID.Add(1),
		logger: pub.logger.WithField("remote", conn.RemoteAddr().String()),
		queue:  make(chan []byte, sessionQueueSize),
		quit:   make(chan struct{}),
	}
}

func (session *remoteSubscriberSession) stop() {
	session.quitOnce.Do(func() {
		close(session.quit)
		session.conn.Close()
	})
}

// enqueue adds msg to the session queue, dropping the oldest entry when full.
func (session *remoteSubscriberSession) enqueue(msg []byte) {
	for {
		select {
		case session.queue <- msg:
			return
		default:
		}
		select {
		case <-session.queue:
			session.logger.Debug("subscriber queue full, dropped oldest message")
		default:
		}
	}
}

func (session *remoteSubscriberSession) start() {
	pub := session.pub
	defer pub.waitGroup.Done()
	defer pub.removeSession(session)
	defer session.conn.Close()

	if err := session.handshake(); err != nil {
		session.logger.WithError(err).Warn("rejected subscriber")
		return
	}
	pub.mu.Lock()
	session.subscribed.Store(true)
	pub.subscribers.Add(1)
	pub.mu.Unlock()
	session.logger.Infof("subscriber %s connected", session.callerID)

	// Subscribers send nothing after their header, so a read returning
	// means the peer went away.
	pub.waitGroup.Add(1)
	go func() {
		defer pub.waitGroup.Done()
		var buf [64]byte
		for {
			if _, err := session.conn.Read(buf[:]); err != nil {
				session.stop()
				return
			}
		}
	}()

	for {
		select {
		case <-session.quit:
			session.logger.Infof("subscriber %s disconnected", session.callerID)
			return
		case msg := <-session.queue:
			if err := session.write(msg); err != nil {
				session.logger.WithError(err).Warnf("dropping subscriber %s", session.callerID)
				return
			}
		}
	}
}

func (session *remoteSubscriberSession) handshake() error {
	pub := session.pub
	if err := session.conn.SetDeadline(time.Now().Add(handshakeTimeout)); err != nil {
		return err
	}
	headers, err := readConnectionHeader(session.conn)
	if err != nil {
		return err
	}
	fields := headerMap(headers)
	if debugEnabled(session.logger) {
		for _, h := range headers {
			session.logger.Debugf("  `%s` = `%s`", h.key, h.value)
		}
	}

	if fields["type"] != pub.msgType.Name() && fields["type"] != "*" {
		return errors.Errorf("incompatible message type %q, publishing %q", fields["type"], pub.msgType.Name())
	}
	if fields["md5sum"] != pub.msgType.MD5Sum() && fields["md5sum"] != "*" {
		return errors.Errorf("incompatible md5sum %q, publishing %q", fields["md5sum"], pub.msgType.MD5Sum())
	}
	pub.mu.Lock()
	session.callerID = fields["callerid"]
	pub.mu.Unlock()

	response := []header{
		{"message_definition", pub.msgType.Text()},
		{"callerid", pub.node.qualifiedName},
		{"latching", "0"},
		{"md5sum", pub.msgType.MD5Sum()},
		{"topic", pub.topic},
		{"type", pub.msgType.Name()},
	}
	if err := writeConnectionHeader(response, session.conn); err != nil {
		return errors.Wrap(err, "writing response header")
	}
	return session.conn.SetDeadline(time.Time{})
}

func (session *remoteSubscriberSession) write(msg []byte) error {
	frame := make([]byte, 4+len(msg))
	binary.LittleEndian.PutUint32(frame, uint32(len(msg)))
	copy(frame[4:], msg)
	if err := session.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	_, err := session.conn.Write(frame)
	return err
}
