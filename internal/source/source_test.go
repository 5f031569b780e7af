package source

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/jkaflik/histsync/internal/record"
	"github.com/jkaflik/histsync/internal/watermark"
)

func TestPredicate_Match(t *testing.T) {
	t.Parallel()

	wmTS := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	p := Predicate{
		Watermark:    watermark.Watermark{TS: wmTS, ID: "m"},
		SafetyWindow: 10 * time.Minute,
	}

	tests := []struct {
		name string
		row  record.Row
		want bool
	}{
		{"after watermark", record.Row{EntityID: "a", VersionTS: wmTS.Add(time.Second)}, true},
		{"inside safety window", record.Row{EntityID: "a", VersionTS: wmTS.Add(-5 * time.Minute)}, true},
		{"at window lower bound", record.Row{EntityID: "z", VersionTS: wmTS.Add(-10 * time.Minute)}, false},
		{"before window", record.Row{EntityID: "z", VersionTS: wmTS.Add(-time.Hour)}, false},
		{"at watermark, greater id", record.Row{EntityID: "n", VersionTS: wmTS}, true},
		{"at watermark, smaller id", record.Row{EntityID: "a", VersionTS: wmTS}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, p.Match(tt.row))
		})
	}
}

func TestPredicate_TieBreakWithoutWindow(t *testing.T) {
	t.Parallel()

	wmTS := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	p := Predicate{Watermark: watermark.Watermark{TS: wmTS, ID: "m"}}

	assert.True(t, p.Match(record.Row{EntityID: "n", VersionTS: wmTS}))
	assert.False(t, p.Match(record.Row{EntityID: "m", VersionTS: wmTS}))
	assert.False(t, p.Match(record.Row{EntityID: "a", VersionTS: wmTS}))
	assert.True(t, p.Match(record.Row{EntityID: "a", VersionTS: wmTS.Add(time.Nanosecond)}))
}

func TestPredicate_InitialWatermarkMatchesEverything(t *testing.T) {
	t.Parallel()

	p := Predicate{Watermark: watermark.Initial(), SafetyWindow: time.Hour}
	assert.True(t, p.Match(record.Row{EntityID: "a", VersionTS: time.Date(1999, 1, 1, 0, 0, 0, 0, time.UTC)}))
}
