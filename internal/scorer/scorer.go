// Package scorer maps a source's recent activity to a crawl tier.
//
// The score combines three buckets:
//
//	score = activity * density * size / 60
//
// where density is a 1-6 bucket of items per sampled message, activity a 1-5
// bucket of how recently the last item was posted and size a 1.0-1.6
// multiplier of the member count. The score is then cut into tiers 1-5 by
// TierThresholds. Sources below the history floor get tier 0.
package scorer

import (
	"fmt"
	"sort"
	"time"

	"github.com/JakeFAU/feedindex-crawler/internal/crawler"
)

const scoreDivisor = 60.0

// SizeStep maps sources with at least MinMembers members to Multiplier.
type SizeStep struct {
	MinMembers int64   `mapstructure:"min_members"`
	Multiplier float64 `mapstructure:"multiplier"`
}

// Config holds every threshold the scorer uses.
type Config struct {
	MinMessages       int64           `mapstructure:"min_messages"`
	MinItemFraction   float64         `mapstructure:"min_item_fraction"`
	DensityThresholds []float64       `mapstructure:"density_thresholds"`
	RecencyThresholds []time.Duration `mapstructure:"recency_thresholds"`
	SizeSteps         []SizeStep      `mapstructure:"size_steps"`
	TierThresholds    []float64       `mapstructure:"tier_thresholds"`
}

// DefaultConfig returns the thresholds used when none are configured.
func DefaultConfig() Config {
	const day = 24 * time.Hour
	return Config{
		MinMessages:       50,
		MinItemFraction:   0.02,
		DensityThresholds: []float64{0.05, 0.1, 0.2, 0.35, 0.5},
		RecencyThresholds: []time.Duration{30 * day, 14 * day, 7 * day, 2 * day},
		SizeSteps: []SizeStep{
			{MinMembers: 0, Multiplier: 1.0},
			{MinMembers: 1_000, Multiplier: 1.1},
			{MinMembers: 10_000, Multiplier: 1.2},
			{MinMembers: 50_000, Multiplier: 1.3},
			{MinMembers: 100_000, Multiplier: 1.45},
			{MinMembers: 500_000, Multiplier: 1.6},
		},
		TierThresholds: []float64{0.05, 0.12, 0.25, 0.4},
	}
}

// Validate checks bucket shapes and ordering.
func (c Config) Validate() error {
	if c.MinMessages < 0 {
		return fmt.Errorf("scorer.min_messages must be >= 0")
	}
	if c.MinItemFraction < 0 || c.MinItemFraction > 1 {
		return fmt.Errorf("scorer.min_item_fraction must be within [0,1]")
	}
	if len(c.DensityThresholds) != 5 || !sort.Float64sAreSorted(c.DensityThresholds) {
		return fmt.Errorf("scorer.density_thresholds must hold 5 ascending values")
	}
	if len(c.RecencyThresholds) != 4 {
		return fmt.Errorf("scorer.recency_thresholds must hold 4 values")
	}
	for i := 1; i < len(c.RecencyThresholds); i++ {
		if c.RecencyThresholds[i] > c.RecencyThresholds[i-1] {
			return fmt.Errorf("scorer.recency_thresholds must be descending")
		}
	}
	if len(c.SizeSteps) == 0 {
		return fmt.Errorf("scorer.size_steps must not be empty")
	}
	for i, step := range c.SizeSteps {
		if step.Multiplier < 1.0 || step.Multiplier > 1.6 {
			return fmt.Errorf("scorer.size_steps[%d].multiplier must be within [1.0,1.6]", i)
		}
		if i > 0 && step.MinMembers < c.SizeSteps[i-1].MinMembers {
			return fmt.Errorf("scorer.size_steps must be ordered by min_members")
		}
	}
	if len(c.TierThresholds) != 4 || !sort.Float64sAreSorted(c.TierThresholds) {
		return fmt.Errorf("scorer.tier_thresholds must hold 4 ascending values")
	}
	return nil
}

// Input is the scorer's view of a source.
type Input struct {
	MessageCount int64
	ItemCount    int64
	// LastItemAge is how long ago the newest item was posted; negative means
	// no item was ever seen.
	LastItemAge time.Duration
	MemberCount int64
}

// InputFromStats derives an Input from persisted stats at now.
func InputFromStats(stats crawler.SourceStats, now time.Time) Input {
	age := time.Duration(-1)
	if !stats.LastItemAt.IsZero() {
		age = now.Sub(stats.LastItemAt)
		if age < 0 {
			age = 0
		}
	}
	return Input{
		MessageCount: stats.SampleMessages,
		ItemCount:    stats.SampleItems,
		LastItemAge:  age,
		MemberCount:  stats.MemberCount,
	}
}

// Result explains how a tier was reached.
type Result struct {
	Tier     crawler.Tier
	Score    float64
	Density  int
	Activity int
	Size     float64
	Reason   string
}

// Scorer computes tiers. The zero value is not usable; use New.
type Scorer struct {
	cfg Config
}

// New validates cfg and returns a Scorer.
func New(cfg Config) (*Scorer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Scorer{cfg: cfg}, nil
}

// Score computes the tier for in. It has no side effects.
func (s *Scorer) Score(in Input) Result {
	if in.MessageCount <= 0 || in.MessageCount < s.cfg.MinMessages {
		return Result{Tier: crawler.TierInactive, Reason: "insufficient message history"}
	}
	fraction := float64(in.ItemCount) / float64(in.MessageCount)
	if fraction < s.cfg.MinItemFraction {
		return Result{Tier: crawler.TierInactive, Reason: "tracked item fraction below minimum"}
	}

	density := 1 + countAtLeast(s.cfg.DensityThresholds, fraction)
	activity := s.activityBucket(in.LastItemAge)
	size := s.sizeMultiplier(in.MemberCount)
	score := float64(activity) * float64(density) * size / scoreDivisor

	tier := crawler.Tier(1 + countAtLeast(s.cfg.TierThresholds, score))
	if tier > crawler.TierMax {
		tier = crawler.TierMax
	}
	return Result{
		Tier:     tier,
		Score:    score,
		Density:  density,
		Activity: activity,
		Size:     size,
		Reason:   "scored",
	}
}

// ScoreStats is shorthand for Score(InputFromStats(stats, now)).
func (s *Scorer) ScoreStats(stats crawler.SourceStats, now time.Time) Result {
	return s.Score(InputFromStats(stats, now))
}

// Sampled reports whether stats hold enough messages to be scored on
// activity rather than dropped for a short history.
func (s *Scorer) Sampled(stats crawler.SourceStats) bool {
	return stats.SampleMessages > 0 && stats.SampleMessages >= s.cfg.MinMessages
}

func (s *Scorer) activityBucket(age time.Duration) int {
	if age < 0 {
		return 1
	}
	bucket := 1
	for _, limit := range s.cfg.RecencyThresholds {
		if age <= limit {
			bucket++
		}
	}
	return bucket
}

func (s *Scorer) sizeMultiplier(members int64) float64 {
	mult := 1.0
	for _, step := range s.cfg.SizeSteps {
		if members >= step.MinMembers {
			mult = step.Multiplier
		}
	}
	return mult
}

func countAtLeast(thresholds []float64, v float64) int {
	n := 0
	for _, t := range thresholds {
		if v >= t {
			n++
		}
	}
	return n
}
