package logtail

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

const combinedLine = `203.0.113.10 - - [10/Oct/2023:13:55:36 -0700] "GET /admin?x=1 HTTP/1.1" 200 512 "-" "Mozilla/5.0"` + "\n"

func TestRunReassemblesLineSplitAcrossPollTicks(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "access.log")
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		t.Fatalf("seed file: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tailer := New(path, ProfileCombined)
	go tailer.Run(ctx)
	// Run seeks to end-of-file on open; let it open before writing so the
	// prefix is not skipped by that seek.
	time.Sleep(pollInterval)

	f, err := os.OpenFile(path, os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatalf("open for write: %v", err)
	}
	defer f.Close()

	// Write the line split mid-way, across two poll ticks, so the first
	// ReadString call returns the prefix with io.EOF and no trailing
	// newline — exactly the case the carry-over buffer exists for.
	split := len(combinedLine) / 2
	if _, err := f.WriteString(combinedLine[:split]); err != nil {
		t.Fatalf("write prefix: %v", err)
	}
	time.Sleep(pollInterval * 2)
	if _, err := f.WriteString(combinedLine[split:]); err != nil {
		t.Fatalf("write suffix: %v", err)
	}

	select {
	case rec := <-tailer.Out():
		if rec.Addr != "203.0.113.10" || rec.Path != "/admin" || rec.Status != 200 {
			t.Fatalf("unexpected record after reassembly: %+v", rec)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the split line to be emitted as one record")
	}

	if n := tailer.ParseErrorCount(); n != 0 {
		t.Fatalf("expected zero parse errors, got %d (split line misparsed as two)", n)
	}
}

func TestRunDetectsTruncationAsRotation(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "access.log")
	if err := os.WriteFile(path, []byte(combinedLine), 0o644); err != nil {
		t.Fatalf("seed file: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tailer := New(path, ProfileCombined)
	go tailer.Run(ctx)

	// New() seeks to EOF, so the pre-seeded line above is never read.
	time.Sleep(pollInterval)
	if err := os.Truncate(path, 0); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	// Give the tailer a full poll cycle to detect the zero-size rotation
	// and reopen at EOF (which is 0 right now) before writing the new
	// content, so the rewritten line isn't skipped by the reopen's seek.
	time.Sleep(pollInterval * 3)
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		t.Fatalf("open for append: %v", err)
	}
	defer f.Close()
	if _, err := f.WriteString(combinedLine); err != nil {
		t.Fatalf("rewrite after truncate: %v", err)
	}

	select {
	case rec := <-tailer.Out():
		if rec.Addr != "203.0.113.10" {
			t.Fatalf("unexpected record after rotation: %+v", rec)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for record emitted after truncation-as-rotation")
	}
}
