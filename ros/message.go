package ros

import (
	"bytes"

	"github.com/pkg/errors"
)

// MessageType describes a ROS message definition.
type MessageType interface {
	Text() string
	MD5Sum() string
	Name() string
	NewMessage() Message
}

// Message is a value that can be put on the wire.
type Message interface {
	Type() MessageType
	Serialize(buf *bytes.Buffer) error
	Deserialize(buf *bytes.Reader) error
}

// SerializeMessage returns the wire encoding of msg.
func SerializeMessage(msg Message) ([]byte, error) {
	var buf bytes.Buffer
	if err := msg.Serialize(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// ErrShortBuffer is returned when a length prefix claims more bytes than a
// message buffer holds.
var ErrShortBuffer = errors.New("length prefix exceeds remaining message bytes")
