package projector

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jkaflik/histsync/internal/record"
)

type fakeStore struct {
	mu    sync.Mutex
	attrs map[string]record.Attributes
	calls int
	err   error
}

func (f *fakeStore) UpsertAttributes(_ context.Context, attrs []record.Attributes) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return f.err
	}
	if f.attrs == nil {
		f.attrs = make(map[string]record.Attributes)
	}
	for _, a := range attrs {
		f.attrs[a.EntityID] = a
	}
	return nil
}

var (
	t0  = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	now = func() time.Time { return t0.Add(time.Hour) }
)

func isStatus(f string) bool { return f == "status" }

func TestProjector_LatestRowWins(t *testing.T) {
	p := New(&fakeStore{}, KeepAllExcept(isStatus), WithClock(now))

	attrs := p.Latest([]record.Row{
		{EntityID: "b", VersionTS: t0, Fields: map[string]any{"status": "new", "amount": 1}},
		{EntityID: "a", VersionTS: t0.Add(time.Minute), Seq: 0, Fields: map[string]any{"status": "paid", "amount": 2}},
		{EntityID: "a", VersionTS: t0.Add(time.Minute), Seq: 1, Fields: map[string]any{"status": "shipped", "amount": 3}},
		{EntityID: "a", VersionTS: t0, Fields: map[string]any{"status": "new", "amount": 1}},
	})

	require.Len(t, attrs, 2)
	assert.Equal(t, record.Attributes{
		EntityID:  "a",
		VersionTS: t0.Add(time.Minute),
		Seq:       1,
		Fields:    map[string]any{"amount": 3},
		UpdatedAt: t0.Add(time.Hour),
	}, attrs[0])
	assert.Equal(t, "b", attrs[1].EntityID)
}

func TestProjector_KeepOnly(t *testing.T) {
	p := New(&fakeStore{}, KeepOnly([]string{"amount", "owner"}), WithClock(now))

	attrs := p.Latest([]record.Row{
		{EntityID: "a", VersionTS: t0, Fields: map[string]any{"status": "new", "amount": 1, "note": "x"}},
	})
	require.Len(t, attrs, 1)
	assert.Equal(t, map[string]any{"amount": 1}, attrs[0].Fields)
}

func TestProjector_Project(t *testing.T) {
	store := &fakeStore{}
	p := New(store, KeepAllExcept(isStatus), WithLanes(3), WithChunkSize(4), WithClock(now))

	var rows []record.Row
	for i := 0; i < 25; i++ {
		rows = append(rows, record.Row{
			EntityID:  fmt.Sprintf("e%02d", i%10),
			VersionTS: t0.Add(time.Duration(i) * time.Second),
			Fields:    map[string]any{"status": "x", "n": i},
		})
	}

	res, err := p.Project(context.Background(), rows)
	require.NoError(t, err)
	assert.Equal(t, 10, res.Upserted)
	assert.Len(t, res.Entities, 10)
	assert.Equal(t, "e00", res.Entities[0])

	require.Len(t, store.attrs, 10)
	assert.Equal(t, 20, store.attrs["e00"].Fields["n"])
	assert.Equal(t, 24, store.attrs["e04"].Fields["n"])
	assert.GreaterOrEqual(t, store.calls, 3)
}

func TestProjector_ProjectError(t *testing.T) {
	boom := errors.New("connection refused")
	p := New(&fakeStore{err: boom}, KeepAllExcept(isStatus))

	_, err := p.Project(context.Background(), []record.Row{{EntityID: "a", VersionTS: t0}})
	assert.ErrorIs(t, err, boom)
}
