package fingerprint

import (
	"math"
	"testing"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jkaflik/histsync/internal/record"
)

func TestNew_Validation(t *testing.T) {
	tests := []struct {
		name    string
		fields  []string
		wantErr string
	}{
		{"empty", nil, "at least one monitored field is required"},
		{"blank name", []string{"status", ""}, "monitored field name is empty"},
		{"duplicate", []string{"status", "status"}, `monitored field "status" listed twice`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.fields)
			assert.EqualError(t, err, tt.wantErr)
		})
	}
}

func TestDetector_FingerprintEncoding(t *testing.T) {
	d, err := New([]string{"status", "priority"})
	require.NoError(t, err)

	got, err := d.Fingerprint(map[string]any{"status": "paid", "priority": 2, "note": "ignored"})
	require.NoError(t, err)

	want := xxhash.Sum64String("status\x1f\"paid\"\x1epriority\x1f2\x1e")
	assert.Equal(t, record.Fingerprint(want), got)
}

func TestDetector_AbsentFieldHashesAsNull(t *testing.T) {
	d, err := New([]string{"status"})
	require.NoError(t, err)

	absent, err := d.Fingerprint(map[string]any{})
	require.NoError(t, err)
	null, err := d.Fingerprint(map[string]any{"status": nil})
	require.NoError(t, err)

	assert.Equal(t, null, absent)
	assert.Equal(t, record.Fingerprint(xxhash.Sum64String("status\x1fnull\x1e")), absent)
}

func TestDetector_OnlyMonitoredFieldsMatter(t *testing.T) {
	d, err := New([]string{"status"})
	require.NoError(t, err)

	a, err := d.Fingerprint(map[string]any{"status": "paid", "amount": 10})
	require.NoError(t, err)
	b, err := d.Fingerprint(map[string]any{"status": "paid", "amount": 99})
	require.NoError(t, err)
	c, err := d.Fingerprint(map[string]any{"status": "shipped", "amount": 10})
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}

func TestDetector_FieldOrderIsSignificant(t *testing.T) {
	ab, err := New([]string{"a", "b"})
	require.NoError(t, err)
	ba, err := New([]string{"b", "a"})
	require.NoError(t, err)

	fields := map[string]any{"a": 1, "b": 2}
	x, err := ab.Fingerprint(fields)
	require.NoError(t, err)
	y, err := ba.Fingerprint(fields)
	require.NoError(t, err)

	assert.NotEqual(t, x, y)
}

func TestDetector_Detect(t *testing.T) {
	d, err := New([]string{"status"})
	require.NoError(t, err)

	ts := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	changes, err := d.Detect([]record.Row{
		{EntityID: "a", VersionTS: ts, Fields: map[string]any{"status": "paid"}},
		{EntityID: "b", VersionTS: ts, Fields: map[string]any{"status": "paid"}},
	})
	require.NoError(t, err)
	require.Len(t, changes, 2)
	assert.Equal(t, changes[0].Fingerprint, changes[1].Fingerprint)
	assert.Equal(t, "b", changes[1].EntityID)

	_, err = d.Detect([]record.Row{{EntityID: "c", Fields: map[string]any{"status": math.Inf(1)}}})
	assert.ErrorContains(t, err, "entity c")
}

func TestDetector_Monitored(t *testing.T) {
	d, err := New([]string{"status", "owner"})
	require.NoError(t, err)

	assert.Equal(t, map[string]any{"status": "paid", "owner": nil}, d.Monitored(map[string]any{"status": "paid", "amount": 1}))
	assert.True(t, d.IsMonitored("owner"))
	assert.False(t, d.IsMonitored("amount"))
	assert.Equal(t, []string{"status", "owner"}, d.Fields())
}
