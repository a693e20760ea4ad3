package espframe

import (
	"bufio"
	"bytes"
	"testing"
)

func TestWriteReadFrameRoundTrip(t *testing.T) {
	body := EncodeMessage(
		VarintField(1, 42),
		StringField(2, "kitchen-light"),
		Float32Field(3, 0.75),
	)

	var buf bytes.Buffer
	if err := WriteFrame(&buf, 7, body); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}

	frame, err := ReadFrame(bufio.NewReader(&buf))
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if frame.Type != 7 {
		t.Fatalf("type = %d, want 7", frame.Type)
	}

	fields, err := DecodeFields(frame.Body)
	if err != nil {
		t.Fatalf("DecodeFields: %v", err)
	}
	if len(fields) != 3 {
		t.Fatalf("got %d fields, want 3", len(fields))
	}
	if fields[0].Varint != 42 {
		t.Fatalf("field 1 = %d, want 42", fields[0].Varint)
	}
	if string(fields[1].Bytes) != "kitchen-light" {
		t.Fatalf("field 2 = %q, want kitchen-light", fields[1].Bytes)
	}
	if got := fields[2].Float32(); got != 0.75 {
		t.Fatalf("field 3 = %v, want 0.75", got)
	}
}

func TestReadFrameRejectsBadPreamble(t *testing.T) {
	buf := bytes.NewReader([]byte{0x01, 0x00, 0x00})
	_, err := ReadFrame(bufio.NewReader(buf))
	if err != ErrBadPreamble {
		t.Fatalf("expected ErrBadPreamble, got %v", err)
	}
}

func TestReadFrameRejectsOversizedLength(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteByte(preamble)
	oversized := appendVarint(nil, MaxFrameSize+1)
	buf.Write(oversized)

	_, err := ReadFrame(bufio.NewReader(&buf))
	if err != ErrFrameTooLarge {
		t.Fatalf("expected ErrFrameTooLarge, got %v", err)
	}
}

func TestDecodeFieldsKeepsUnknownNumbersWithoutError(t *testing.T) {
	body := EncodeMessage(
		VarintField(99, 1),
		StringField(1, "value"),
	)
	fields, err := DecodeFields(body)
	if err != nil {
		t.Fatalf("DecodeFields: %v", err)
	}
	if len(fields) != 2 {
		t.Fatalf("got %d fields, want 2", len(fields))
	}
}
