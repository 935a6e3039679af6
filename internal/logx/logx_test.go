package logx

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"pkt.systems/pslog"
)

func TestWithCheckAddsField(t *testing.T) {
	capture := &logCapture{}
	logger := newCaptureLogger(capture)
	WithCheck(logger, "docker-socket").Info("hello")

	entry := capture.firstEntry(t)
	if entry["check"] != "docker-socket" {
		t.Fatalf("expected check field, got %+v", entry)
	}
}

func TestWithIdentityOmitsEmptyName(t *testing.T) {
	capture := &logCapture{}
	logger := newCaptureLogger(capture)
	WithIdentity(logger, 1000, 1000, "").Info("hello")

	entry := capture.firstEntry(t)
	if entry["uid"] != float64(1000) || entry["gid"] != float64(1000) {
		t.Fatalf("expected uid/gid fields, got %+v", entry)
	}
	if _, ok := entry["user"]; ok {
		t.Fatalf("did not expect user field for empty name")
	}
}

func TestWithStepDeduplicatesContextMarker(t *testing.T) {
	capture := &logCapture{}
	logger := newCaptureLogger(capture)
	ctx := pslog.ContextWithLogger(context.Background(), logger)
	WithStep(ctx, "remap").Info("hello")

	entry := capture.firstEntry(t)
	if entry["step"] != "remap" {
		t.Fatalf("expected step field, got %+v", entry)
	}

	capture.buf.Reset()
	stepped := ContextWithStepLogger(ctx, logger.With("step", "remap"), "remap")
	WithStep(stepped, "remap").Info("again")
	line := capture.buf.String()
	if bytes.Count([]byte(line), []byte(`"step"`)) != 1 {
		t.Fatalf("expected a single step field, got %s", line)
	}
}

func newCaptureLogger(capture *logCapture) pslog.Logger {
	return pslog.NewWithOptions(capture, pslog.Options{
		Mode:          pslog.ModeStructured,
		NoColor:       true,
		MinLevel:      pslog.InfoLevel,
		VerboseFields: true,
	})
}

type logCapture struct {
	buf bytes.Buffer
}

func (c *logCapture) Write(p []byte) (int, error) {
	return c.buf.Write(p)
}

func (c *logCapture) firstEntry(t *testing.T) map[string]any {
	t.Helper()
	data := c.buf.Bytes()
	idx := bytes.IndexByte(data, '\n')
	if idx == -1 {
		idx = len(data)
	}
	line := bytes.TrimSpace(data[:idx])
	entry := map[string]any{}
	if err := json.Unmarshal(line, &entry); err != nil {
		t.Fatalf("parse log entry: %v", err)
	}
	return entry
}
