package types_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/xraph/tokenledger/types"
)

func TestPeriodFrom(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name       string
		start, end int64
		wantStart  time.Time
		wantEnd    time.Time
	}{
		{
			name:      "both bounds",
			start:     1700000000,
			end:       1702592000,
			wantStart: time.Unix(1700000000, 0).UTC(),
			wantEnd:   time.Unix(1702592000, 0).UTC(),
		},
		{
			name:      "missing bounds default to thirty days from now",
			wantStart: now,
			wantEnd:   now.Add(30 * 24 * time.Hour),
		},
		{
			name:      "missing end only",
			start:     1700000000,
			wantStart: time.Unix(1700000000, 0).UTC(),
			wantEnd:   now.Add(types.DefaultPeriodLength),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := types.PeriodFrom(tt.start, tt.end, now)
			assert.True(t, p.Start.Equal(tt.wantStart), "start %s", p.Start)
			assert.True(t, p.End.Equal(tt.wantEnd), "end %s", p.End)
		})
	}
}

func TestPeriodCurrent(t *testing.T) {
	now := time.Now().UTC()
	p := types.Period{Start: now.Add(-time.Hour), End: now}

	assert.True(t, p.Valid())
	assert.True(t, p.Current(now), "a period ending exactly now is still current")
	assert.False(t, p.Current(now.Add(time.Second)))
	assert.False(t, types.Period{Start: now, End: now}.Valid())
}
