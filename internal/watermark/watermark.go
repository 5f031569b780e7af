// Package watermark tracks the resumption cursor of each extracted stream.
package watermark

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Epoch is the timestamp of a stream that has never committed.
var Epoch = time.Unix(0, 0).UTC()

// Watermark is the highest processed (version_ts, entity_id) pair.
type Watermark struct {
	TS time.Time
	ID string
}

// Initial returns the cursor of a stream seen for the first time.
func Initial() Watermark {
	return Watermark{TS: Epoch}
}

// Compare orders watermarks by timestamp, then by id.
func (w Watermark) Compare(o Watermark) int {
	if c := w.TS.Compare(o.TS); c != 0 {
		return c
	}
	switch {
	case w.ID < o.ID:
		return -1
	case w.ID > o.ID:
		return 1
	}
	return 0
}

// Max returns the greater of w and o.
func (w Watermark) Max(o Watermark) Watermark {
	if o.Compare(w) > 0 {
		return o
	}
	return w
}

func (w Watermark) String() string {
	return fmt.Sprintf("(%s, %q)", w.TS.UTC().Format(time.RFC3339Nano), w.ID)
}

// Store persists one watermark per stream.
type Store interface {
	// Read returns the committed watermark, or Initial() if none was committed.
	Read(ctx context.Context, streamID string) (Watermark, error)
	// Commit atomically replaces the watermark of streamID.
	Commit(ctx context.Context, streamID string, wm Watermark, runID string) error
}

// Memory is an in-process Store.
type Memory struct {
	mu         sync.Mutex
	watermarks map[string]Watermark
	commits    map[string]int
}

func NewMemory() *Memory {
	return &Memory{
		watermarks: make(map[string]Watermark),
		commits:    make(map[string]int),
	}
}

func (m *Memory) Read(_ context.Context, streamID string) (Watermark, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	wm, ok := m.watermarks[streamID]
	if !ok {
		return Initial(), nil
	}
	return wm, nil
}

func (m *Memory) Commit(_ context.Context, streamID string, wm Watermark, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.watermarks[streamID] = wm
	m.commits[streamID]++
	return nil
}

// Commits returns how many times streamID was committed.
func (m *Memory) Commits(streamID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.commits[streamID]
}
