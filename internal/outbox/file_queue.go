package outbox

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// fileQueue mirrors its frames to a file with one JSON string per line. The
// file is replaced through a synced temp file after every change, so a crash
// leaves either the old or the new contents.
type fileQueue struct {
	mu       sync.Mutex
	path     string
	capacity int
	frames   []string
}

func NewFileQueue(path string, capacity int) (Queue, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	frames, err := readFrames(path)
	if err != nil {
		return nil, fmt.Errorf("read outbox %s: %w", path, err)
	}
	q := &fileQueue{path: path, capacity: capacity, frames: frames}
	if over := len(frames) - capacity; over > 0 {
		// keep the newest frames when reopened with a smaller capacity
		q.frames = frames[over:]
		if err := q.persist(); err != nil {
			return nil, err
		}
	}
	return q, nil
}

func (q *fileQueue) TryEnqueue(frame string) bool {
	if strings.TrimSpace(frame) == "" {
		return false
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.frames) >= q.capacity {
		return false
	}
	q.frames = append(q.frames, frame)
	if q.persist() != nil {
		q.frames = q.frames[:len(q.frames)-1]
		return false
	}
	return true
}

func (q *fileQueue) Peek() (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.frames) == 0 {
		return "", false
	}
	return q.frames[0], true
}

func (q *fileQueue) Ack() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.frames) == 0 {
		return false
	}
	rest := q.frames[1:]
	prev := q.frames
	q.frames = rest
	if q.persist() != nil {
		q.frames = prev
		return false
	}
	return true
}

func (q *fileQueue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.frames)
}

func (q *fileQueue) Capacity() int { return q.capacity }

func (q *fileQueue) Close() error { return nil }

func (q *fileQueue) persist() error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, frame := range q.frames {
		if err := enc.Encode(frame); err != nil {
			return err
		}
	}
	dir := filepath.Dir(q.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(q.path)+".*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(buf.Bytes()); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), q.path)
}

func readFrames(path string) ([]string, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var frames []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 16<<20)
	for line := 1; scanner.Scan(); line++ {
		if len(bytes.TrimSpace(scanner.Bytes())) == 0 {
			continue
		}
		var frame string
		if err := json.Unmarshal(scanner.Bytes(), &frame); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		frames = append(frames, frame)
	}
	return frames, scanner.Err()
}
