package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
)

func TestNewWritesToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "callbridge.log")
	logger, closer := New("debug", path)
	logger.SetOutput(os.Stderr)

	Component(logger, "bridge").WithField("call_id", "abc").Debug("stream started")
	if err := closer.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	line := string(data)
	for _, want := range []string{"stream started", "component=bridge", "call_id=abc"} {
		if !strings.Contains(line, want) {
			t.Errorf("log line %q missing %q", line, want)
		}
	}
}

func TestNewFallsBackToInfo(t *testing.T) {
	logger, closer := New("chatty", "")
	defer closer.Close()
	if logger.GetLevel() != logrus.InfoLevel {
		t.Fatalf("level = %v, want info", logger.GetLevel())
	}
}
