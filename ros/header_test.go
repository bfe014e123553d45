package ros

import (
	"bytes"
	"encoding/binary"
	"testing"
)

func TestConnectionHeaderRoundTrip(t *testing.T) {
	in := []header{
		{"callerid", "/listener"},
		{"topic", "/iiwa/joint_states"},
		{"message_definition", "a=b\nuint32 seq"},
	}
	var buf bytes.Buffer
	if err := writeConnectionHeader(in, &buf); err != nil {
		t.Fatal(err)
	}
	out, err := readConnectionHeader(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != len(in) {
		t.Fatalf("got %d headers", len(out))
	}
	m := headerMap(out)
	if m["message_definition"] != "a=b\nuint32 seq" {
		t.Error(m)
	}
	if m["topic"] != "/iiwa/joint_states" {
		t.Error(m)
	}
}

func TestReadConnectionHeaderRejectsMalformed(t *testing.T) {
	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, uint32(8))
	binary.Write(&buf, binary.LittleEndian, uint32(4))
	buf.WriteString("abcd")
	if _, err := readConnectionHeader(&buf); err == nil {
		t.Error("expected error for field without '='")
	}

	buf.Reset()
	binary.Write(&buf, binary.LittleEndian, uint32(maxHeaderSize+1))
	if _, err := readConnectionHeader(&buf); err == nil {
		t.Error("expected error for oversized header")
	}
}
