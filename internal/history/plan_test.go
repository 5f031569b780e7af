package history

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jkaflik/histsync/internal/record"
)

var (
	t0         = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	recordedAt = time.Date(2024, 5, 2, 0, 0, 0, 0, time.UTC)
)

func identity(fields map[string]any) map[string]any { return fields }

func change(ts time.Time, seq int64, fp record.Fingerprint) record.Change {
	return record.Change{
		Row:         record.Row{EntityID: "e1", VersionTS: ts, Seq: seq, Fields: map[string]any{"fp": int(fp)}},
		Fingerprint: fp,
	}
}

func TestPlan(t *testing.T) {
	current := &record.Version{EntityID: "e1", VersionTS: t0, Fingerprint: 1, IsCurrent: true}

	tests := []struct {
		name      string
		current   *record.Version
		changes   []record.Change
		wantFPs   []record.Fingerprint
		wantFlags []bool
		want      Result
	}{
		{
			name:      "first sighting",
			changes:   []record.Change{change(t0, 0, 1)},
			wantFPs:   []record.Fingerprint{1},
			wantFlags: []bool{true},
			want:      Result{Entities: 1, Inserted: 1, Touched: []string{"e1"}},
		},
		{
			name:    "same fingerprint is a no-op",
			current: current,
			changes: []record.Change{change(t0.Add(time.Hour), 0, 1)},
			want:    Result{Entities: 1, Unchanged: 1},
		},
		{
			name:      "different fingerprint closes current",
			current:   current,
			changes:   []record.Change{change(t0.Add(time.Hour), 0, 2)},
			wantFPs:   []record.Fingerprint{2},
			wantFlags: []bool{true},
			want:      Result{Entities: 1, Inserted: 1, Closed: 1, Touched: []string{"e1"}},
		},
		{
			name:    "change at or before current is stale",
			current: current,
			changes: []record.Change{change(t0, 0, 2), change(t0.Add(-time.Hour), 0, 3)},
			want:    Result{Entities: 1, Stale: 2},
		},
		{
			name:    "successive changes are applied in order",
			current: current,
			changes: []record.Change{
				change(t0.Add(3*time.Hour), 0, 4),
				change(t0.Add(time.Hour), 0, 2),
				change(t0.Add(2*time.Hour), 0, 2),
				change(t0.Add(4*time.Hour), 0, 1),
			},
			wantFPs:   []record.Fingerprint{2, 4, 1},
			wantFlags: []bool{false, false, true},
			want:      Result{Entities: 1, Inserted: 3, Closed: 3, Unchanged: 1, Touched: []string{"e1"}},
		},
		{
			name:    "coincident timestamps ordered by seq",
			current: current,
			changes: []record.Change{
				change(t0.Add(time.Hour), 1, 3),
				change(t0.Add(time.Hour), 0, 2),
			},
			wantFPs:   []record.Fingerprint{2, 3},
			wantFlags: []bool{false, true},
			want:      Result{Entities: 1, Inserted: 2, Closed: 2, Touched: []string{"e1"}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr, res := Plan(tt.current, tt.changes, identity, recordedAt)

			assert.Equal(t, tt.want, res)
			assert.Equal(t, tt.current, tr.Expected)
			require.Len(t, tr.Inserts, len(tt.wantFPs))
			for i, v := range tr.Inserts {
				assert.Equal(t, tt.wantFPs[i], v.Fingerprint)
				assert.Equal(t, tt.wantFlags[i], v.IsCurrent)
				assert.Equal(t, recordedAt, v.RecordedAt)
				assert.Equal(t, "e1", v.EntityID)
			}
			if len(tr.Inserts) > 0 {
				assert.True(t, tr.Current().IsCurrent)
			}
		})
	}
}

func TestPlan_IsIdempotent(t *testing.T) {
	changes := []record.Change{
		change(t0, 0, 1),
		change(t0.Add(time.Hour), 0, 2),
	}

	first, _ := Plan(nil, changes, identity, recordedAt)
	require.Len(t, first.Inserts, 2)

	current := first.Current()
	second, res := Plan(&current, changes, identity, recordedAt)
	assert.Empty(t, second.Inserts)
	assert.Equal(t, 2, res.Stale)
}

func TestPlanRanked(t *testing.T) {
	tied := func(fps ...record.Fingerprint) []record.Version {
		var out []record.Version
		for i, fp := range fps {
			out = append(out, record.Version{EntityID: "e1", VersionTS: t0, Seq: int64(i), Fingerprint: fp})
		}
		out[len(out)-1].IsCurrent = true
		return out
	}

	tests := []struct {
		name     string
		tied     []record.Version
		changes  []record.Change
		wantFPs  []record.Fingerprint
		wantSeqs []int64
		want     Result
	}{
		{
			name:     "new fingerprint at current timestamp follows stored ties",
			tied:     tied(1),
			changes:  []record.Change{change(t0, 0, 2)},
			wantFPs:  []record.Fingerprint{2},
			wantSeqs: []int64{1},
			want:     Result{Entities: 1, Inserted: 1, Closed: 1, Touched: []string{"e1"}},
		},
		{
			name:     "seq continues after the highest stored tie",
			tied:     tied(1, 2, 3),
			changes:  []record.Change{change(t0, 0, 4)},
			wantFPs:  []record.Fingerprint{4},
			wantSeqs: []int64{3},
			want:     Result{Entities: 1, Inserted: 1, Closed: 1, Touched: []string{"e1"}},
		},
		{
			name:    "known fingerprint at current timestamp is stale",
			tied:    tied(1, 2),
			changes: []record.Change{change(t0, 0, 1), change(t0, 1, 2)},
			want:    Result{Entities: 1, Stale: 2},
		},
		{
			name:     "mixed batch records only the unknown fingerprint",
			tied:     tied(1),
			changes:  []record.Change{change(t0, 0, 2), change(t0, 1, 1)},
			wantFPs:  []record.Fingerprint{2},
			wantSeqs: []int64{1},
			want:     Result{Entities: 1, Inserted: 1, Closed: 1, Stale: 1, Touched: []string{"e1"}},
		},
		{
			name:     "later timestamp keeps its own seq",
			tied:     tied(1),
			changes:  []record.Change{change(t0.Add(time.Hour), 0, 2)},
			wantFPs:  []record.Fingerprint{2},
			wantSeqs: []int64{0},
			want:     Result{Entities: 1, Inserted: 1, Closed: 1, Touched: []string{"e1"}},
		},
		{
			name:    "earlier timestamp is stale",
			tied:    tied(1),
			changes: []record.Change{change(t0.Add(-time.Hour), 0, 2)},
			want:    Result{Entities: 1, Stale: 1},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			current := tt.tied[len(tt.tied)-1]
			tr, res := PlanRanked(&current, tt.tied, tt.changes, identity, recordedAt)

			assert.Equal(t, tt.want, res)
			require.Len(t, tr.Inserts, len(tt.wantFPs))
			for i, v := range tr.Inserts {
				assert.Equal(t, tt.wantFPs[i], v.Fingerprint)
				assert.Equal(t, tt.wantSeqs[i], v.Seq)
			}
		})
	}
}

func TestPlanRanked_IsIdempotent(t *testing.T) {
	changes := []record.Change{change(t0, 0, 1), change(t0, 1, 2)}

	first, _ := PlanRanked(nil, nil, changes, identity, recordedAt)
	require.Len(t, first.Inserts, 2)
	assert.Equal(t, int64(0), first.Inserts[0].Seq)
	assert.Equal(t, int64(1), first.Inserts[1].Seq)

	current := first.Current()
	second, res := PlanRanked(&current, first.Inserts, changes, identity, recordedAt)
	assert.Empty(t, second.Inserts)
	assert.Equal(t, 2, res.Stale)
}
