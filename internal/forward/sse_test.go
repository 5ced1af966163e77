package forward

import (
	"bufio"
	"io"
	"strings"
	"testing"
)

func TestReadSSEEvent(t *testing.T) {
	stream := "data: {\"a\":1}\n\n" +
		"data: {\"b\":2}\ndata: continued\n\n" +
		"data: [DONE]\n\n"
	r := bufio.NewReader(strings.NewReader(stream))

	first, err := readSSEEvent(r)
	if err != nil {
		t.Fatalf("first event: %v", err)
	}
	if string(first) != "data: {\"a\":1}\n\n" {
		t.Fatalf("first event = %q", first)
	}

	second, err := readSSEEvent(r)
	if err != nil {
		t.Fatalf("second event: %v", err)
	}
	if string(second) != "data: {\"b\":2}\ndata: continued\n\n" {
		t.Fatalf("second event = %q", second)
	}

	third, err := readSSEEvent(r)
	if err != nil {
		t.Fatalf("third event: %v", err)
	}
	if !isDoneEvent(third) {
		t.Fatalf("third event = %q, want [DONE]", third)
	}

	if _, err := readSSEEvent(r); err != io.EOF {
		t.Fatalf("after last event err = %v, want EOF", err)
	}
}

func TestReadSSEEventPartialAtEOF(t *testing.T) {
	r := bufio.NewReader(strings.NewReader("data: truncated\n"))

	event, err := readSSEEvent(r)
	if err != io.EOF {
		t.Fatalf("err = %v, want EOF", err)
	}
	if string(event) != "data: truncated\n" {
		t.Fatalf("partial event = %q", event)
	}
}

func TestReadSSEEventSkipsLeadingBlankLines(t *testing.T) {
	r := bufio.NewReader(strings.NewReader("\n\ndata: x\n\n"))

	event, err := readSSEEvent(r)
	if err != nil {
		t.Fatalf("readSSEEvent: %v", err)
	}
	if !strings.Contains(string(event), "data: x") {
		t.Fatalf("event = %q, want it to contain the data line", event)
	}
}

func TestIsDoneEvent(t *testing.T) {
	if !isDoneEvent([]byte("data: [DONE]\n\n")) {
		t.Fatal("terminator not recognized")
	}
	if isDoneEvent([]byte("data: {\"choices\":[]}\n\n")) {
		t.Fatal("data frame misread as terminator")
	}
}

func TestIsEventStream(t *testing.T) {
	if !isEventStream([]byte("text/event-stream")) {
		t.Fatal("plain content type not recognized")
	}
	if !isEventStream([]byte("text/event-stream; charset=utf-8")) {
		t.Fatal("parameterized content type not recognized")
	}
	if isEventStream([]byte("application/json")) {
		t.Fatal("json misread as event stream")
	}
}
