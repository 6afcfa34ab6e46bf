package domain

import (
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseJobType(t *testing.T) {
	for _, jt := range JobTypes {
		got, err := ParseJobType(string(jt))
		require.NoError(t, err)
		assert.Equal(t, jt, got)
	}

	_, err := ParseJobType("fetch_options")
	assert.Error(t, err)
}

func TestTimeframeTruncate(t *testing.T) {
	ts := time.Date(2024, 3, 14, 15, 47, 12, 500, time.UTC)

	tests := []struct {
		tf   Timeframe
		want time.Time
	}{
		{"m15", time.Date(2024, 3, 14, 15, 45, 0, 0, time.UTC)},
		{"h1", time.Date(2024, 3, 14, 15, 0, 0, 0, time.UTC)},
		{"h4", time.Date(2024, 3, 14, 12, 0, 0, 0, time.UTC)},
		{"d1", time.Date(2024, 3, 14, 0, 0, 0, 0, time.UTC)},
		{"bogus", time.Date(2024, 3, 14, 15, 47, 12, 0, time.UTC)},
	}
	for _, tt := range tests {
		t.Run(string(tt.tf), func(t *testing.T) {
			assert.True(t, tt.want.Equal(tt.tf.Truncate(ts)), "got %s", tt.tf.Truncate(ts))
		})
	}
}

func TestParseTimeframe(t *testing.T) {
	tf, err := ParseTimeframe("h1")
	require.NoError(t, err)
	assert.Equal(t, time.Hour, tf.Bar())

	_, err = ParseTimeframe("h2")
	assert.Error(t, err)
}

func TestRunStatusTerminal(t *testing.T) {
	assert.False(t, StatusQueued.Terminal())
	assert.False(t, StatusRunning.Terminal())
	assert.True(t, StatusSuccess.Terminal())
	assert.True(t, StatusFailed.Terminal())
	assert.True(t, StatusCancelled.Terminal())
}

func TestMarkAndKind(t *testing.T) {
	assert.Nil(t, Mark(nil, ErrClaim))

	err := Mark(errors.Wrap(errors.New("disk I/O error"), "claim job run"), ErrClaim)
	assert.True(t, errors.Is(err, ErrClaim))
	assert.False(t, errors.Is(err, ErrEnqueue))
	assert.Equal(t, ErrClaim, Kind(err))
	assert.Contains(t, err.Error(), "disk I/O error")

	assert.Nil(t, Kind(errors.New("plain")))
}

func TestKindLabel(t *testing.T) {
	assert.Equal(t, "claim", KindLabel(Mark(errors.New("database is locked"), ErrClaim)))
	assert.Equal(t, "provider_data", KindLabel(Mark(errors.New("SYMBOL_NOT_FOUND"), ErrProviderData)))
	assert.Equal(t, "gap_computation", KindLabel(errors.Wrap(Mark(errors.New("no such table"), ErrGapComputation), "AAPL h1")))
	assert.Equal(t, "other", KindLabel(errors.New("plain")))
	assert.Equal(t, "other", KindLabel(nil))
}
