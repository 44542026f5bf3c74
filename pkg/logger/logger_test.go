package logger

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestInitWritesJSONWithComponent(t *testing.T) {
	var buf bytes.Buffer
	if err := Init(Options{Level: "debug", Output: &buf}); err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer Close()

	InfoCF("dispatch", "Message received", map[string]interface{}{
		"chat": "123@s.whatsapp.net",
	})

	var line map[string]interface{}
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &line); err != nil {
		t.Fatalf("expected one JSON line, got %q: %v", buf.String(), err)
	}
	if line["component"] != "dispatch" {
		t.Errorf("component = %v, want dispatch", line["component"])
	}
	if line["chat"] != "123@s.whatsapp.net" {
		t.Errorf("chat field = %v", line["chat"])
	}
	if line["message"] != "Message received" {
		t.Errorf("message = %v", line["message"])
	}
}

func TestLevelFiltersDebug(t *testing.T) {
	var buf bytes.Buffer
	if err := Init(Options{Level: "warn", Output: &buf}); err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer Close()

	DebugC("session", "hidden")
	InfoC("session", "hidden too")
	WarnC("session", "shown")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("debug/info lines leaked at warn level: %q", out)
	}
	if !strings.Contains(out, "shown") {
		t.Errorf("warn line missing: %q", out)
	}
}

func TestInitRejectsUnknownLevel(t *testing.T) {
	if err := Init(Options{Level: "loud"}); err == nil {
		t.Fatal("expected error for unknown level")
	}
}

func TestInitAppendsToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "wa-logs.txt")
	var console bytes.Buffer
	if err := Init(Options{Level: "info", File: path, Output: &console}); err != nil {
		t.Fatalf("Init: %v", err)
	}
	ErrorCF("media", "Transcode failed", map[string]interface{}{"error": "bad input"})
	Close()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(data), "Transcode failed") {
		t.Errorf("log file missing entry: %q", data)
	}
	if !strings.Contains(console.String(), "Transcode failed") {
		t.Errorf("console missing entry: %q", console.String())
	}
}
