package logging

import (
	"bytes"
	"encoding/json"
	"log"
	"strings"
	"sync"
	"testing"
)

func captureLog(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	origOut := log.Writer()
	origFlags := log.Flags()
	log.SetOutput(&buf)
	log.SetFlags(0)
	t.Cleanup(func() {
		log.SetOutput(origOut)
		log.SetFlags(origFlags)
	})
	return &buf
}

func TestInfoTextFormat(t *testing.T) {
	logFormatOnce = sync.Once{}
	logAsJSON = false

	buf := captureLog(t)
	Info("bridge", "hello", "job", "abc123")
	got := strings.TrimSpace(buf.String())
	if !strings.Contains(got, "[BRIDGE] hello") || !strings.Contains(got, "job=abc123") {
		t.Fatalf("unexpected log output: %s", got)
	}
}

func TestErrorJSONFormat(t *testing.T) {
	logFormatOnce = sync.Once{}
	logAsJSON = false
	t.Setenv(envLogFormat, "json")

	buf := captureLog(t)
	Error("relay", "forward failed", "conn", "c1")

	var entry map[string]string
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry); err != nil {
		t.Fatalf("expected JSON log entry, got %q: %v", buf.String(), err)
	}
	if entry["level"] != "ERROR" || entry["component"] != "relay" || entry["conn"] != "c1" {
		t.Fatalf("unexpected entry: %v", entry)
	}
}

func TestOddFieldCount(t *testing.T) {
	logFormatOnce = sync.Once{}
	logAsJSON = false

	buf := captureLog(t)
	Info("queue", "deposit", "key")
	if !strings.Contains(buf.String(), "key=(missing)") {
		t.Fatalf("expected placeholder for odd field count, got %s", buf.String())
	}
}
