package sse

import (
	"io"
	"strings"
	"testing"
)

func TestDecoderReadsEvents(t *testing.T) {
	stream := "event: update\n" +
		"data: {\"id\":\"1\"}\n" +
		"\n" +
		"data: {\"id\":\"2\"}\n" +
		"data: continued\n" +
		"\n"

	dec := NewDecoder(strings.NewReader(stream))

	first, err := dec.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if first.Name != "update" || first.Data != `{"id":"1"}` {
		t.Fatalf("unexpected first event: %+v", first)
	}

	second, err := dec.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if second.Data != "{\"id\":\"2\"}\ncontinued" {
		t.Fatalf("unexpected second event data: %q", second.Data)
	}

	if _, err := dec.Next(); err != io.EOF {
		t.Fatalf("expected io.EOF, got %v", err)
	}
}

func TestDecoderSkipsCommentLines(t *testing.T) {
	stream := ": keep-alive\n" +
		"data: hello\n" +
		"\n"
	dec := NewDecoder(strings.NewReader(stream))

	evt, err := dec.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if evt.Data != "hello" {
		t.Fatalf("data = %q, want hello", evt.Data)
	}
}
