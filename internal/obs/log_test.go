package obs

import (
	"bytes"
	"encoding/json"
	"testing"
)

func TestLogRequestWritesJSON(t *testing.T) {
	var buf bytes.Buffer
	prev := SetLogger(NewWriterLogger(&buf))
	defer SetLogger(prev)

	LogRequest(map[string]any{"method": "GET", "status": 200})

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log is not valid JSON: %v", err)
	}
	for _, key := range []string{"ts", "level", "msg", "service", "method", "status"} {
		if _, ok := entry[key]; !ok {
			t.Fatalf("expected key %q in %v", key, entry)
		}
	}
	if entry["msg"] != "request_complete" {
		t.Fatalf("unexpected msg %v", entry["msg"])
	}
}

func TestInitLoggerFallsBackToInfo(t *testing.T) {
	prev := Logger()
	defer SetLogger(prev)

	InitLogger("nonsense", "json")
	l := Logger()
	if l.GetLevel().String() != "info" {
		t.Fatalf("expected info level, got %s", l.GetLevel())
	}
}
