package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"math"
	"os"
	"time"

	"github.com/seantiz/vidscope/internal/model"
)

// Defaults of the simulated analyzer.
const (
	DefaultSteps     = 10
	DefaultStepDelay = time.Second

	SegmentsPerVariant = 5
	SegmentDuration    = 5 * time.Minute
	PromptExcerptLen   = 20
)

// SimulatedWorkload stands in for real media processing: it checks that the
// inputs are readable, then spends Delay on each of Steps steps.
type SimulatedWorkload struct {
	Steps int
	Delay time.Duration
}

// Process implements Workload.
func (w SimulatedWorkload) Process(ctx context.Context, in Input, report ProgressFunc) error {
	for _, ref := range in.Artifacts {
		if _, err := os.Stat(ref.Path); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return fmt.Errorf("%s artifact missing", ref.Role)
			}
			return fmt.Errorf("stat %s artifact: %w", ref.Role, err)
		}
	}

	steps := w.Steps
	if steps <= 0 {
		steps = DefaultSteps
	}

	timer := time.NewTimer(w.Delay)
	defer timer.Stop()
	for step := 1; step <= steps; step++ {
		select {
		case <-timer.C:
		case <-ctx.Done():
			return ctx.Err()
		}
		report(step, steps)
		timer.Reset(w.Delay)
	}
	return nil
}

// MockGenerator produces fixed, deterministic sample analyses.
type MockGenerator struct{}

// Generate implements Generator.
func (MockGenerator) Generate(p model.Params, variantIndex int) (model.Variant, error) {
	if variantIndex < 0 || variantIndex >= p.VariantCount {
		return nil, fmt.Errorf("variant index %d out of range [0,%d)", variantIndex, p.VariantCount)
	}

	excerpt := promptExcerpt(p.Prompt, PromptExcerptLen)
	v := make(model.Variant, SegmentsPerVariant)
	for i := range v {
		k := i + 1
		v[i] = model.Segment{
			Index:     k,
			Label:     fmt.Sprintf("Chapter %d", k),
			StartTime: model.Timecode(time.Duration(i) * SegmentDuration),
			EndTime:   model.Timecode(time.Duration(k) * SegmentDuration),
			Content: fmt.Sprintf("Plan %d: content analysis sample %d. System prompt: '%s...'",
				variantIndex+1, k, excerpt),
			Tags: []model.Tag{
				{Name: fmt.Sprintf("tag%d", 2*i+1), Confidence: round2(0.7 + 0.2*float64(i%3)/10)},
				{Name: fmt.Sprintf("tag%d", 2*i+2), Confidence: round2(0.6 + 0.3*float64(i%2)/10)},
			},
		}
	}
	return v, nil
}

// promptExcerpt returns at most n runes of s.
func promptExcerpt(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

func round2(f float64) float64 {
	return math.Round(f*100) / 100
}
