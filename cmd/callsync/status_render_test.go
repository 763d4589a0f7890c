package main

import (
	"fmt"
	"io"
	"strings"
	"testing"

	"callsync/internal/queue"
)

func TestRenderStatusLineNoColor(t *testing.T) {
	got := renderStatusLine("Daemon", statusError, "Not running", false)
	want := fmt.Sprintf("%s%-*s %s", statusIndent, statusLabelWidth, "Daemon:", "[ERROR] Not running")
	if got != want {
		t.Fatalf("renderStatusLine mismatch\n got: %q\nwant: %q", got, want)
	}
}

func TestRenderStatusLineWithColor(t *testing.T) {
	got := renderStatusLine("Daemon", statusOK, "Running", true)
	if !strings.HasPrefix(got, ansiGreen) {
		t.Fatalf("expected green prefix, got %q", got)
	}
	if !strings.HasSuffix(got, ansiReset) {
		t.Fatalf("expected reset suffix, got %q", got)
	}
}

func TestStatusTitle(t *testing.T) {
	cases := map[queue.Status]string{
		queue.StatusPending:    "Pending",
		queue.StatusDeadLetter: "Dead Letter",
		queue.StatusProcessing: "Processing",
	}
	for status, want := range cases {
		if got := statusTitle(status); got != want {
			t.Fatalf("statusTitle(%s) = %q, want %q", status, got, want)
		}
	}
}

func TestShouldColorizeNonFile(t *testing.T) {
	if shouldColorize(io.Discard) {
		t.Fatalf("expected non-file writer to disable color")
	}
}
