package crawler

import "time"

// Observation is what one crawl saw of a source.
type Observation struct {
	Messages    int64
	Items       int64
	LastItemAt  time.Time
	MemberCount int64
}

// Merge folds obs into the stats and halves both sample counters while the
// message sample exceeds sampleCap, so old activity decays.
func (s SourceStats) Merge(obs Observation, sampleCap int64, now time.Time) SourceStats {
	out := s
	out.SampleMessages += obs.Messages
	out.SampleItems += obs.Items
	if sampleCap > 0 {
		for out.SampleMessages > sampleCap {
			out.SampleMessages /= 2
			out.SampleItems /= 2
		}
	}
	if out.SampleItems > out.SampleMessages {
		out.SampleItems = out.SampleMessages
	}
	if obs.LastItemAt.After(out.LastItemAt) {
		out.LastItemAt = obs.LastItemAt
	}
	if obs.MemberCount > 0 {
		out.MemberCount = obs.MemberCount
	}
	out.UpdatedAt = now
	return out
}
