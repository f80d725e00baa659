// Package pipeline holds the pluggable analysis stages run for every job: a
// Workload that processes the inputs while reporting step progress, and a
// Generator that turns the job parameters into result variants.
package pipeline

import (
	"context"
	"fmt"

	"github.com/seantiz/vidscope/internal/model"
)

// ProgressFunc is invoked after each finished processing step.
type ProgressFunc func(done, total int)

// Input is what a Workload sees of a job.
type Input struct {
	JobID     string
	Params    model.Params
	Artifacts []model.ArtifactRef
}

// Workload performs the processing that precedes result generation. It must
// call report after every finished step and should stop early when ctx is done.
type Workload interface {
	Process(ctx context.Context, in Input, report ProgressFunc) error
}

// Generator produces one result variant. Implementations must be
// deterministic: identical params and index yield identical variants.
type Generator interface {
	Generate(p model.Params, variantIndex int) (model.Variant, error)
}

// Variants generates all p.VariantCount variants in index order, checking
// each against the segment invariants.
func Variants(ctx context.Context, g Generator, p model.Params) ([]model.Variant, error) {
	out := make([]model.Variant, 0, p.VariantCount)
	for i := 0; i < p.VariantCount; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		v, err := g.Generate(p, i)
		if err != nil {
			return nil, fmt.Errorf("generate variant %d: %w", i, err)
		}
		if err := ValidateVariant(v); err != nil {
			return nil, fmt.Errorf("variant %d: %w", i, err)
		}
		out = append(out, v)
	}
	return out, nil
}

// ValidateVariant checks that segments are 1-based and ordered, that every
// segment starts before it ends, that timestamps strictly increase across
// segments, and that tags are unique with confidences in [0,1].
func ValidateVariant(v model.Variant) error {
	if len(v) == 0 {
		return fmt.Errorf("variant has no segments")
	}
	var prevEnd model.Timecode
	for i, s := range v {
		if s.Index != i+1 {
			return fmt.Errorf("segment %d has index %d", i+1, s.Index)
		}
		if s.StartTime >= s.EndTime {
			return fmt.Errorf("segment %d: start %s not before end %s", s.Index, s.StartTime, s.EndTime)
		}
		if i > 0 && s.StartTime < prevEnd {
			return fmt.Errorf("segment %d starts at %s before previous end %s", s.Index, s.StartTime, prevEnd)
		}
		prevEnd = s.EndTime

		seen := make(map[string]bool, len(s.Tags))
		for _, tag := range s.Tags {
			if seen[tag.Name] {
				return fmt.Errorf("segment %d: duplicate tag %q", s.Index, tag.Name)
			}
			seen[tag.Name] = true
			if tag.Confidence < 0 || tag.Confidence > 1 {
				return fmt.Errorf("segment %d: tag %q confidence %v out of range", s.Index, tag.Name, tag.Confidence)
			}
		}
	}
	return nil
}
