// Package ladder defines the resolution ladder and picks the rungs to encode
// for a given source.
package ladder

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	"github.com/jmylchreest/hlsforge/internal/ffmpeg"
	"github.com/jmylchreest/hlsforge/internal/observability"
)

// Resolution is one rung of the ladder. Values are immutable.
type Resolution struct {
	Height  int `json:"height"`
	Width   int `json:"width"`
	Bitrate int `json:"bitrate"` // bits per second, used for BANDWIDTH
}

// Name returns the conventional label, e.g. "720p". It prefixes every output file.
func (r Resolution) Name() string {
	return fmt.Sprintf("%dp", r.Height)
}

// String implements fmt.Stringer.
func (r Resolution) String() string {
	return fmt.Sprintf("%s (%dx%d @ %d bps)", r.Name(), r.Width, r.Height, r.Bitrate)
}

// DefaultLadder is ordered ascending by height.
var DefaultLadder = []Resolution{
	{Height: 480, Width: 854, Bitrate: 1_400_000},
	{Height: 720, Width: 1280, Bitrate: 2_800_000},
	{Height: 1080, Width: 1920, Bitrate: 5_000_000},
}

// DefaultSource is assumed when the source cannot be probed.
var DefaultSource = ffmpeg.Dimensions{Width: 1920, Height: 1080}

// Select returns the rungs no taller than sourceHeight, ascending. When none
// qualify the smallest rung is returned alone, so the result is never empty
// for a non-empty ladder and a tiny source is upscaled to the floor.
func Select(ladder []Resolution, sourceHeight int) []Resolution {
	if len(ladder) == 0 {
		return nil
	}

	sorted := slices.Clone(ladder)
	slices.SortFunc(sorted, func(a, b Resolution) int { return a.Height - b.Height })

	var out []Resolution
	for _, r := range sorted {
		if r.Height <= sourceHeight {
			out = append(out, r)
		}
	}
	if len(out) == 0 {
		out = append(out, sorted[0])
	}
	return out
}

// Lookup returns the ladder rung with the given height.
func Lookup(ladder []Resolution, height int) (Resolution, bool) {
	for _, r := range ladder {
		if r.Height == height {
			return r, true
		}
	}
	return Resolution{}, false
}

// Prober reads source dimensions. engine.Manager implements it.
type Prober interface {
	Probe(ctx context.Context, input string) (ffmpeg.ProbeInfo, error)
}

// Planner derives target resolutions from a probed source.
type Planner struct {
	prober Prober
	ladder []Resolution
	logger *slog.Logger
}

// NewPlanner creates a planner over ladder (DefaultLadder when nil).
func NewPlanner(prober Prober, ladder []Resolution, logger *slog.Logger) *Planner {
	if ladder == nil {
		ladder = DefaultLadder
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Planner{
		prober: prober,
		ladder: ladder,
		logger: observability.WithComponent(logger, "planner"),
	}
}

// Plan is the outcome of DetermineAvailableResolutions.
type Plan struct {
	Resolutions []Resolution
	Source      ffmpeg.ProbeInfo
	// Assumed is true when probing failed and DefaultSource was used.
	Assumed bool
}

// DetermineAvailableResolutions probes input and selects rungs. Probe failure is
// not an error: DefaultSource is assumed and a warning logged. Only context
// cancellation is returned.
func (p *Planner) DetermineAvailableResolutions(ctx context.Context, input string) (Plan, error) {
	info, err := p.prober.Probe(ctx, input)
	if ctxErr := ctx.Err(); ctxErr != nil {
		return Plan{}, ctxErr
	}

	plan := Plan{Source: info}
	if err != nil {
		p.logger.Warn("probe failed, assuming default source size",
			slog.String("input", input),
			slog.String("assumed", DefaultSource.String()),
			slog.String("error", err.Error()),
		)
		plan.Source.Dimensions = DefaultSource
		plan.Assumed = true
	}

	plan.Resolutions = Select(p.ladder, plan.Source.Dimensions.Height)
	p.logger.Debug("resolutions planned",
		slog.String("source", plan.Source.Dimensions.String()),
		slog.Int("count", len(plan.Resolutions)),
	)
	return plan, nil
}
