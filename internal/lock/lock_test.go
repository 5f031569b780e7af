package lock

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemory_FailFast(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	release, err := m.Acquire(ctx, "orders", false)
	require.NoError(t, err)

	_, err = m.Acquire(ctx, "orders", false)
	assert.ErrorIs(t, err, ErrHeld)

	other, err := m.Acquire(ctx, "shipments", false)
	require.NoError(t, err)
	other()

	release()
	release()

	again, err := m.Acquire(ctx, "orders", false)
	require.NoError(t, err)
	again()
}

func TestMemory_Wait(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	release, err := m.Acquire(ctx, "orders", false)
	require.NoError(t, err)

	acquired := make(chan struct{})
	go func() {
		r, err := m.Acquire(ctx, "orders", true)
		if err == nil {
			r()
		}
		close(acquired)
	}()

	select {
	case <-acquired:
		t.Fatal("acquired a held lock")
	case <-time.After(50 * time.Millisecond):
	}

	release()

	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("waiter was not woken up")
	}
}

func TestMemory_WaitCancelled(t *testing.T) {
	m := NewMemory()

	release, err := m.Acquire(context.Background(), "orders", false)
	require.NoError(t, err)
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err = m.Acquire(ctx, "orders", true)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
