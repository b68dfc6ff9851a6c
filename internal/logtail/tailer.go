// Package logtail follows an append-only access log across rotation and
// parses each new line into a models.Record (C1).
package logtail

import (
	"bufio"
	"context"
	"io"
	"log"
	"os"
	"sync/atomic"
	"time"

	"github.com/rawblock/sentryfw/pkg/models"
)

const pollInterval = 200 * time.Millisecond

// Tailer follows a single log file from its current end-of-file, emitting
// Records on Out() until Ctx is cancelled. Rotation (inode change or
// truncation) is detected by comparing stat() results on each poll.
type Tailer struct {
	path    string
	profile Profile
	out     chan models.Record

	parseErrors atomic.Int64
}

// New constructs a Tailer bound to a file path and parsing profile. The
// channel capacity is the tailer's own buffer before the pipeline's
// bounded queue (§5's 10,000-record cap is enforced by the coordinator,
// not here).
func New(path string, profile Profile) *Tailer {
	return &Tailer{
		path:    path,
		profile: profile,
		out:     make(chan models.Record, 1024),
	}
}

// Out is the channel of parsed records. Closed when Run returns.
func (t *Tailer) Out() <-chan models.Record { return t.out }

// ParseErrorCount returns the number of lines that failed to match either
// parsing profile since startup.
func (t *Tailer) ParseErrorCount() int64 { return t.parseErrors.Load() }

// Run follows the log file until ctx is cancelled. On startup it seeks to
// end-of-file so history is never re-ingested. A missing file at startup
// blocks-with-retry until it appears; a read error on an open handle
// closes and retries the open loop. Never returns an error: all I/O
// failures are TransientIOError, logged and retried.
func (t *Tailer) Run(ctx context.Context) {
	defer close(t.out)

	for {
		if ctx.Err() != nil {
			return
		}
		f, ino, err := t.openAtEnd(ctx)
		if err != nil {
			return // ctx cancelled while waiting for the file
		}
		if f == nil {
			return
		}
		if !t.followFile(ctx, f, ino) {
			f.Close()
			return
		}
		f.Close()
	}
}

// openAtEnd opens the path, retrying until it exists or ctx is cancelled,
// and seeks to end-of-file.
func (t *Tailer) openAtEnd(ctx context.Context) (*os.File, uint64, error) {
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	for {
		f, err := os.Open(t.path)
		if err == nil {
			if _, err := f.Seek(0, io.SeekEnd); err != nil {
				log.Printf("[Tailer] seek to end failed for %s: %v", t.path, err)
				f.Close()
			} else {
				ino, statErr := inode(f)
				if statErr != nil {
					log.Printf("[Tailer] stat failed for %s: %v", t.path, statErr)
					f.Close()
				} else {
					return f, ino, nil
				}
			}
		} else if !os.IsNotExist(err) {
			log.Printf("[Tailer] open failed for %s: %v", t.path, err)
		}

		select {
		case <-ctx.Done():
			return nil, 0, ctx.Err()
		case <-ticker.C:
		}
	}
}

// followFile polls the open handle for new lines, carrying over any
// partial line left at EOF to the next tick, until rotation or a read
// error is detected (returns true, caller reopens) or ctx is cancelled
// (returns false).
func (t *Tailer) followFile(ctx context.Context, f *os.File, ino uint64) bool {
	reader := bufio.NewReader(f)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	// pending holds bytes read past the last complete line (a write that
	// landed mid-line between two poll ticks). ReadString has already
	// consumed them from the underlying file, so they must be carried
	// here and prepended to the next read rather than discarded.
	var pending []byte

	for {
		for {
			line, err := reader.ReadString('\n')
			if len(line) > 0 {
				pending = append(pending, line...)
			}
			if err == nil {
				t.emit(strTrimNewline(string(pending)))
				pending = pending[:0]
				continue
			}
			if err != io.EOF {
				log.Printf("[Tailer] read error on %s, reopening: %v", t.path, err)
				return true
			}
			break
		}

		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}

		rotated, err := t.rotated(f, ino)
		if err != nil {
			log.Printf("[Tailer] stat failed for %s, reopening: %v", t.path, err)
			return true
		}
		if rotated {
			return true
		}
	}
}

func (t *Tailer) emit(line string) {
	rec, ok := Parse(line, t.profile)
	if !ok {
		t.parseErrors.Add(1)
		return
	}
	t.out <- rec
}

func strTrimNewline(s string) string {
	n := len(s)
	for n > 0 && (s[n-1] == '\n' || s[n-1] == '\r') {
		n--
	}
	return s[:n]
}

func (t *Tailer) rotated(f *os.File, ino uint64) (bool, error) {
	fi, err := f.Stat()
	if err != nil {
		return false, err
	}
	pos, err := f.Seek(0, io.SeekCurrent)
	if err != nil {
		return false, err
	}
	if fi.Size() < pos {
		return true, nil // truncated below what has already been read
	}
	pathInfo, err := os.Stat(t.path)
	if err != nil {
		return true, nil // path gone or unreadable: treat as rotation, reopen loop will retry
	}
	newIno := inodeOf(pathInfo)
	return newIno != ino, nil
}
