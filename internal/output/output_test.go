package output

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestFormatBytes(t *testing.T) {
	tests := []struct {
		in   int64
		want string
	}{
		{0, "0 B"},
		{-4, "0 B"},
		{1023, "1023 B"},
		{1024, "1.0 KiB"},
		{5 * 1024 * 1024, "5.0 MiB"},
	}
	for _, tt := range tests {
		if got := FormatBytes(tt.in); got != tt.want {
			t.Errorf("FormatBytes(%d) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestFormatSpeed(t *testing.T) {
	if got := FormatSpeed(2048, 2*time.Second); got != "1.0 KiB/s" {
		t.Errorf("got %q", got)
	}
	if got := FormatSpeed(100, 0); got != "0 B/s" {
		t.Errorf("got %q", got)
	}
}

func TestPrintProgressBar(t *testing.T) {
	bar := PrintProgressBar(50, 100, 10)
	if !strings.Contains(bar, "50.0%") {
		t.Errorf("missing percentage in %q", bar)
	}
	if !strings.Contains(PrintProgressBar(500, 100, 10), "100.0%") {
		t.Error("overflow should clamp to 100%")
	}
}

func TestManagerPlainOutput(t *testing.T) {
	var buf bytes.Buffer
	m := NewManager(&buf, false)
	m.StartDisplay()
	ok := m.RegisterJob("a.bin")
	bad := m.RegisterJob("b.bin")
	if m.GetStatus(ok) != "pending" {
		t.Errorf("new job status %q", m.GetStatus(ok))
	}
	m.SetStatus(ok, "warning")
	if m.GetStatus(ok) != "warning" {
		t.Errorf("status after retry %q", m.GetStatus(ok))
	}
	m.SetProgress(ok, 2048, 2048)
	m.Complete(ok, "")
	m.ReportError(bad, errors.New("server gone"))
	m.StopDisplay()

	out := buf.String()
	for _, want := range []string{"Completed a.bin", "Failed b.bin", "Completed 1 of 2 (2.0 KiB)", "Failed 1 of 2", "server gone"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
	if len(m.Errors()) != 1 || m.Errors()[0].JobName != "b.bin" {
		t.Errorf("unexpected errors %+v", m.Errors())
	}
	if m.GetStatus(99) != "unknown" {
		t.Error("unknown job should report unknown")
	}
}

func TestProgressUpdate(t *testing.T) {
	var buf bytes.Buffer
	p := NewProgress(&buf, 1000, "file.bin", true)
	p.Update(400)
	if p.Current() != 400 {
		t.Errorf("expected 400, got %d", p.Current())
	}
	p.Update(1000)
	p.Finish()
}
