package logger

import (
	"bytes"
	"encoding/json"
	"testing"
)

func TestConfigureInvalidLevel(t *testing.T) {
	l := Logger()
	if err := l.Configure("nonsense", "json", "stdout", 0); err == nil {
		t.Fatal("expected error for invalid level")
	}
}

func TestConfigureInvalidFormat(t *testing.T) {
	l := Logger()
	if err := l.Configure("info", "xml", "stdout", 0); err == nil {
		t.Fatal("expected error for invalid format")
	}
}

func TestWithComponentField(t *testing.T) {
	l := Logger()
	if err := l.Configure("info", "json", "stdout", 0); err != nil {
		t.Fatalf("configure: %v", err)
	}
	var buf bytes.Buffer
	l.SetOutput(&buf)

	l.WithComponent("window").Info("hello")

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("unmarshal log line: %v", err)
	}
	if entry["component"] != "window" {
		t.Errorf("unexpected component: %v", entry["component"])
	}
	if entry["message"] != "hello" {
		t.Errorf("unexpected message: %v", entry["message"])
	}
}
