package ros

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"net"
	"strconv"
	"time"

	"github.com/pkg/errors"
)

// maxMessageSize bounds a single incoming message.
const maxMessageSize = 64 << 20

// TopicConn is a TCPROS connection to one publisher of a topic. It backs
// diagnostic tools and tests that need to observe what a node publishes.
type TopicConn struct {
	conn    net.Conn
	msgType MessageType
	header  map[string]string
}

// DialTopic asks the node serving its slave API at nodeURI for topic and
// connects to it over TCPROS, identifying as callerID.
func DialTopic(ctx context.Context, nodeURI, callerID, topic string, msgType MessageType) (*TopicConn, error) {
	protocols := []interface{}{[]interface{}{"TCPROS"}}
	result, err := callRosAPI(ctx, nodeURI, "requestTopic", callerID, topic, protocols)
	if err != nil {
		return nil, err
	}
	params, ok := result.([]interface{})
	if !ok || len(params) != 3 {
		return nil, errors.Errorf("requestTopic: malformed protocol parameters %v", result)
	}
	if name, _ := params[0].(string); name != "TCPROS" {
		return nil, errors.Errorf("requestTopic: unsupported protocol %v", params[0])
	}
	host, _ := params[1].(string)
	port, ok := params[2].(int32)
	if !ok {
		return nil, errors.Errorf("requestTopic: port %v is not int", params[2])
	}

	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(host, strconv.Itoa(int(port))))
	if err != nil {
		return nil, errors.Wrapf(err, "connecting to publisher of %s", topic)
	}
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	headers := []header{
		{"topic", topic},
		{"md5sum", msgType.MD5Sum()},
		{"type", msgType.Name()},
		{"callerid", callerID},
	}
	if err := writeConnectionHeader(headers, conn); err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "writing connection header")
	}
	response, err := readConnectionHeader(conn)
	if err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "reading response header")
	}
	fields := headerMap(response)
	if fields["type"] != msgType.Name() || fields["md5sum"] != msgType.MD5Sum() {
		conn.Close()
		return nil, errors.Errorf("incompatible message type for %s: %s/%s", topic, fields["type"], fields["md5sum"])
	}
	conn.SetDeadline(time.Time{})
	return &TopicConn{conn: conn, msgType: msgType, header: fields}, nil
}

// Header returns the publisher's connection header.
func (c *TopicConn) Header() map[string]string {
	return c.header
}

// Receive reads the next message, waiting at most until deadline. A zero
// deadline waits forever.
func (c *TopicConn) Receive(deadline time.Time) (Message, error) {
	if err := c.conn.SetReadDeadline(deadline); err != nil {
		return nil, err
	}
	var size uint32
	if err := binary.Read(c.conn, binary.LittleEndian, &size); err != nil {
		return nil, err
	}
	if size > maxMessageSize {
		return nil, errors.Errorf("message length %d exceeds limit", size)
	}
	buf := make([]byte, size)
	if _, err := io.ReadFull(c.conn, buf); err != nil {
		return nil, err
	}
	msg := c.msgType.NewMessage()
	if err := msg.Deserialize(bytes.NewReader(buf)); err != nil {
		return nil, errors.Wrapf(err, "decoding %s", c.msgType.Name())
	}
	return msg, nil
}

func (c *TopicConn) Close() error {
	return c.conn.Close()
}
