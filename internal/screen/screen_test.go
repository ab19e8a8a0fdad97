package screen

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"limitless/internal/domain"
	"limitless/internal/series"
)

func TestStatic(t *testing.T) {
	s := NewStatic([]string{"aapl", " MSFT ", "AAPL", ""})
	got, err := s.Screen(context.Background(), time.Now())
	require.NoError(t, err)
	assert.Equal(t, []string{"AAPL", "MSFT"}, got)
	assert.False(t, s.Due(time.Now().Add(24*time.Hour)))
	assert.Equal(t, "static", s.Name())

	_, err = NewStatic(nil).Screen(context.Background(), time.Now())
	require.Error(t, err)
}

func seed(st *series.Store, symbol string, at time.Time, volumes ...int64) {
	bars := make([]domain.Bar, len(volumes))
	for i, v := range volumes {
		bars[i] = domain.Bar{Symbol: symbol, Timestamp: at.Add(time.Duration(i) * time.Minute), Close: 10, Volume: v}
	}
	st.IngestBars(symbol, bars)
}

func TestActivityRanksByTrailingVolume(t *testing.T) {
	now := time.Date(2025, 3, 4, 15, 0, 0, 0, time.UTC)
	st := series.New(nil)
	seed(st, "AAA", now.Add(-2*time.Hour), 100, 100)
	seed(st, "BBB", now.Add(-time.Hour), 500)
	seed(st, "CCC", now.Add(-30*time.Minute), 200)
	seed(st, "DDD", now.Add(-48*time.Hour), 10_000) // outside the window
	seed(st, "EEE", now.Add(-time.Hour), 200)

	a := NewActivity(st, []string{"AAA", "BBB", "CCC", "DDD", "EEE", "ZZZ"}, 3, time.Hour)
	got, err := a.Screen(context.Background(), now)
	require.NoError(t, err)
	assert.Equal(t, []string{"BBB", "AAA", "CCC"}, got)

	a = NewActivity(st, []string{"AAA", "BBB", "CCC", "DDD", "EEE"}, 10, time.Hour)
	got, err = a.Screen(context.Background(), now)
	require.NoError(t, err)
	assert.Equal(t, []string{"BBB", "AAA", "CCC", "EEE"}, got, "symbols without volume are dropped")
}

func TestActivityDue(t *testing.T) {
	now := time.Date(2025, 3, 4, 15, 0, 0, 0, time.UTC)
	a := NewActivity(series.New(nil), []string{"AAA"}, 1, time.Hour)

	assert.False(t, a.Due(now), "not due before the first screen")
	_, err := a.Screen(context.Background(), now)
	require.NoError(t, err)
	assert.False(t, a.Due(now.Add(59*time.Minute)))
	assert.True(t, a.Due(now.Add(time.Hour)))

	disabled := NewActivity(series.New(nil), []string{"AAA"}, 1, 0)
	_, _ = disabled.Screen(context.Background(), now)
	assert.False(t, disabled.Due(now.Add(48*time.Hour)))
}
