package logtail

import (
	"bufio"
	"fmt"
	"log"
	"os"

	"github.com/rawblock/sentryfw/pkg/models"
)

// ProcessFile consumes an existing file from the beginning, emitting
// Records through out. If maxLines > 0, processing stops after that many
// lines. Progress is logged periodically, matching the original batch
// processor's behavior. Used for backfills and one-shot audits, not the
// live pipeline.
func ProcessFile(path string, profile Profile, maxLines int, out chan<- models.Record) (processed, parseErrors int, err error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, fmt.Errorf("logtail: opening %s for batch processing: %w", path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		if maxLines > 0 && processed >= maxLines {
			break
		}
		rec, ok := Parse(scanner.Text(), profile)
		processed++
		if !ok {
			parseErrors++
			continue
		}
		out <- rec
		if processed%10000 == 0 {
			log.Printf("[Tailer] batch progress: %d lines processed, %d parse errors", processed, parseErrors)
		}
	}
	if err := scanner.Err(); err != nil {
		return processed, parseErrors, fmt.Errorf("logtail: scanning %s: %w", path, err)
	}
	return processed, parseErrors, nil
}
