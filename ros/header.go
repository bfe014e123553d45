// TCPROS connection header
package ros

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

// maxHeaderSize bounds what a peer may ask us to allocate during the handshake.
const maxHeaderSize = 1 << 20

type header struct {
	key   string
	value string
}

func readConnectionHeader(r io.Reader) ([]header, error) {
	var headerSize uint32
	if err := binary.Read(r, binary.LittleEndian, &headerSize); err != nil {
		return nil, errors.Wrap(err, "reading header length")
	}
	if headerSize > maxHeaderSize {
		return nil, errors.Errorf("header length %d exceeds limit", headerSize)
	}
	buf := make([]byte, headerSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, errors.Wrap(err, "reading header")
	}

	var headers []header
	for len(buf) > 0 {
		if len(buf) < 4 {
			return nil, errors.New("header field length overrun")
		}
		size := binary.LittleEndian.Uint32(buf)
		buf = buf[4:]
		if uint32(len(buf)) < size {
			return nil, errors.New("header field overrun")
		}
		line := buf[:size]
		buf = buf[size:]
		sep := bytes.IndexByte(line, '=')
		if sep < 0 {
			return nil, errors.Errorf("header field %q has no '='", line)
		}
		headers = append(headers, header{string(line[:sep]), string(line[sep+1:])})
	}
	return headers, nil
}

func writeConnectionHeader(headers []header, w io.Writer) error {
	var body bytes.Buffer
	for _, h := range headers {
		_ = binary.Write(&body, binary.LittleEndian, uint32(len(h.key)+1+len(h.value)))
		body.WriteString(h.key)
		body.WriteByte('=')
		body.WriteString(h.value)
	}
	var buf bytes.Buffer
	_ = binary.Write(&buf, binary.LittleEndian, uint32(body.Len()))
	buf.Write(body.Bytes())
	_, err := w.Write(buf.Bytes())
	return err
}

func headerMap(headers []header) map[string]string {
	m := make(map[string]string, len(headers))
	for _, h := range headers {
		m[h.key] = h.value
	}
	return m
}
