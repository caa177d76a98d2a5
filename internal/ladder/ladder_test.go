package ladder

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/hlsforge/internal/ffmpeg"
	"github.com/jmylchreest/hlsforge/internal/observability"
)

type stubProber struct {
	info ffmpeg.ProbeInfo
	err  error
}

func (s stubProber) Probe(context.Context, string) (ffmpeg.ProbeInfo, error) {
	return s.info, s.err
}

func heights(rs []Resolution) []int {
	out := make([]int, len(rs))
	for i, r := range rs {
		out[i] = r.Height
	}
	return out
}

func TestSelect(t *testing.T) {
	tests := []struct {
		source int
		want   []int
	}{
		{2160, []int{480, 720, 1080}},
		{1080, []int{480, 720, 1080}},
		{1079, []int{480, 720}},
		{720, []int{480, 720}},
		{480, []int{480}},
		{360, []int{480}}, // floor rung
		{0, []int{480}},
		{-1, []int{480}},
	}
	for _, tt := range tests {
		got := Select(DefaultLadder, tt.source)
		assert.Equal(t, tt.want, heights(got), "source %d", tt.source)
	}
}

func TestSelect_NeverEmptyAndBounded(t *testing.T) {
	smallest := DefaultLadder[0].Height
	for h := 0; h <= 2500; h += 7 {
		got := Select(DefaultLadder, h)
		require.NotEmpty(t, got)
		for _, r := range got {
			assert.LessOrEqual(t, r.Height, max(h, smallest))
		}
	}
}

func TestSelect_UnsortedLadder(t *testing.T) {
	ladder := []Resolution{DefaultLadder[2], DefaultLadder[0], DefaultLadder[1]}
	assert.Equal(t, []int{480, 720}, heights(Select(ladder, 900)))
	assert.Equal(t, []int{1080, 480, 720}, heights(ladder), "input not mutated")
	assert.Nil(t, Select(nil, 1080))
}

func TestResolution_Names(t *testing.T) {
	r := DefaultLadder[1]
	assert.Equal(t, "720p", r.Name())
	assert.Equal(t, "720p (1280x720 @ 2800000 bps)", r.String())

	got, ok := Lookup(DefaultLadder, 1080)
	require.True(t, ok)
	assert.Equal(t, 5_000_000, got.Bitrate)
	_, ok = Lookup(DefaultLadder, 1440)
	assert.False(t, ok)
}

func TestPlanner_Probed(t *testing.T) {
	p := NewPlanner(stubProber{info: ffmpeg.ProbeInfo{
		Dimensions: ffmpeg.Dimensions{Width: 640, Height: 360},
		Duration:   time.Minute,
	}}, nil, observability.NewDiscardLogger())

	plan, err := p.DetermineAvailableResolutions(context.Background(), "in.mp4")
	require.NoError(t, err)
	assert.False(t, plan.Assumed)
	assert.Equal(t, []int{480}, heights(plan.Resolutions))
	assert.Equal(t, time.Minute, plan.Source.Duration)
}

func TestPlanner_ProbeFailureAssumesDefault(t *testing.T) {
	p := NewPlanner(stubProber{err: ffmpeg.ErrProbeParse}, nil, observability.NewDiscardLogger())

	plan, err := p.DetermineAvailableResolutions(context.Background(), "in.mp4")
	require.NoError(t, err)
	assert.True(t, plan.Assumed)
	assert.Equal(t, DefaultSource, plan.Source.Dimensions)
	assert.Equal(t, []int{480, 720, 1080}, heights(plan.Resolutions))
}

func TestPlanner_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p := NewPlanner(stubProber{err: errors.New("killed")}, nil, observability.NewDiscardLogger())

	_, err := p.DetermineAvailableResolutions(ctx, "in.mp4")
	assert.ErrorIs(t, err, context.Canceled)
}
