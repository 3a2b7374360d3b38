package logs

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const (
	maxLineSize  = 1024 * 1024
	pollInterval = time.Second
)

// Chunk is a batch of complete lines and the offset just past them.
type Chunk struct {
	Lines  []string
	Offset int64
}

// Last returns up to n trailing lines of path. A missing file yields an
// empty chunk at offset zero.
func Last(path string, n int) (Chunk, error) {
	file, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Chunk{}, nil
		}
		return Chunk{}, fmt.Errorf("open log file: %w", err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return Chunk{}, fmt.Errorf("stat log file: %w", err)
	}
	if info.IsDir() {
		return Chunk{}, fmt.Errorf("log path %q is a directory", path)
	}
	if n <= 0 {
		return Chunk{Offset: info.Size()}, nil
	}

	ring := make([]string, n)
	count, next := 0, 0
	scanner := newScanner(file)
	for scanner.Scan() {
		ring[next] = scanner.Text()
		next = (next + 1) % n
		if count < n {
			count++
		}
	}
	if err := scanner.Err(); err != nil {
		return Chunk{}, fmt.Errorf("read log file: %w", err)
	}

	lines := make([]string, count)
	start := 0
	if count == n {
		start = next
	}
	for i := range count {
		lines[i] = ring[(start+i)%n]
	}
	return Chunk{Lines: lines, Offset: info.Size()}, nil
}

// From returns the complete lines written after offset. An offset past the
// end of the file (truncation) restarts from the beginning. A trailing
// partial line is left for the next call.
func From(path string, offset int64) (Chunk, error) {
	file, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Chunk{}, nil
		}
		return Chunk{Offset: offset}, fmt.Errorf("open log file: %w", err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return Chunk{Offset: offset}, fmt.Errorf("stat log file: %w", err)
	}
	if offset < 0 || offset > info.Size() {
		offset = 0
	}
	if _, err := file.Seek(offset, io.SeekStart); err != nil {
		return Chunk{Offset: offset}, fmt.Errorf("seek log file: %w", err)
	}

	chunk := Chunk{Offset: offset}
	reader := bufio.NewReaderSize(file, 64*1024)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			if errors.Is(err, io.EOF) {
				return chunk, nil
			}
			return chunk, fmt.Errorf("read log file: %w", err)
		}
		chunk.Offset += int64(len(line))
		chunk.Lines = append(chunk.Lines, trimNewline(line))
	}
}

// Follow calls emit with every batch of lines appended after offset until ctx
// is done. Wake-ups come from fsnotify on the log's directory with a slow
// poll as backstop for filesystems that do not deliver events.
func Follow(ctx context.Context, path string, offset int64, emit func([]string)) error {
	var events <-chan fsnotify.Event
	if watcher, err := fsnotify.NewWatcher(); err == nil {
		defer watcher.Close()
		if err := watcher.Add(filepath.Dir(path)); err == nil {
			events = watcher.Events
		}
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		chunk, err := From(path, offset)
		if err != nil {
			return err
		}
		offset = chunk.Offset
		if len(chunk.Lines) > 0 {
			emit(chunk.Lines)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case _, ok := <-events:
			if !ok {
				events = nil
			}
		}
	}
}

func newScanner(r io.Reader) *bufio.Scanner {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	return scanner
}

func trimNewline(line string) string {
	line = line[:len(line)-1]
	if n := len(line); n > 0 && line[n-1] == '\r' {
		line = line[:n-1]
	}
	return line
}
