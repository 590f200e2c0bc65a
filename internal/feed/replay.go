package feed

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os"
	"time"
)

// ReplayTicks streams a recorded file, one raw message per line, to out.
// Blank lines are skipped; delay spaces messages apart. It returns nil once
// the file is exhausted.
func ReplayTicks(ctx context.Context, path string, delay time.Duration, out chan<- []byte) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open replay file: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		msg := append([]byte(nil), line...)
		select {
		case out <- msg:
		case <-ctx.Done():
			return ctx.Err()
		}
		if delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read replay file: %w", err)
	}
	return nil
}
