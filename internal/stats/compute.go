package stats

import (
	"math"

	"github.com/tos-network/tos-pool-api/internal/storage"
)

// neutralEfficiency is reported when no unlocked block can be measured
const neutralEfficiency = 100

// BlockSummary aggregates unlocked block rows
type BlockSummary struct {
	TotalDiff   uint64
	TotalShares uint64
	Efficiency  float64
}

// SummarizeBlocks sums difficulty and shares over unlocked rows and derives
// efficiency as round(10000 / (sum(shares/difficulty) / totalBlocks)) / 100.
func SummarizeBlocks(rows []storage.BlockRow, totalBlocks int64) BlockSummary {
	var s BlockSummary
	var acc float64

	for _, row := range rows {
		if !row.Unlocked() {
			continue
		}
		s.TotalDiff += row.Difficulty
		s.TotalShares += row.Shares
		if row.Difficulty > 0 {
			acc += float64(row.Shares) / float64(row.Difficulty)
		}
	}

	s.Efficiency = Efficiency(acc, totalBlocks)
	return s
}

// Efficiency converts a shares/difficulty accumulator into a percentage
// with two decimals. It is 100 when nothing qualifies.
func Efficiency(acc float64, totalBlocks int64) float64 {
	if totalBlocks <= 0 || acc <= 0 {
		return neutralEfficiency
	}
	return math.Round(10000/(acc/float64(totalBlocks))) / 100
}

// HashrateFromVolume converts summed share difficulty into hashes per second
func HashrateFromVolume(volume uint64, windowSeconds int64) (int64, error) {
	if windowSeconds <= 0 {
		return 0, ErrInvalidWindow
	}
	return int64(math.Round(float64(volume) / float64(windowSeconds))), nil
}

// Hashrates is the result of folding one window of samples
type Hashrates struct {
	Participants map[string]int64
	Miners       int
	Workers      int
	Pool         int64
}

// AggregateHashrates folds samples by participant key. Only address keys
// count toward the pool rate; worker keys are tallied separately.
func AggregateHashrates(samples []storage.HashrateSample, windowSeconds int64) (Hashrates, error) {
	if windowSeconds <= 0 {
		return Hashrates{}, ErrInvalidWindow
	}

	volumes := make(map[storage.Participant]uint64)
	for _, s := range samples {
		volumes[s.Participant] += s.Difficulty
	}

	h := Hashrates{Participants: make(map[string]int64, len(volumes))}
	var minerVolume uint64

	for p, volume := range volumes {
		if p.IsWorker() {
			h.Workers++
		} else {
			h.Miners++
			minerVolume += volume
		}
		rate, _ := HashrateFromVolume(volume, windowSeconds)
		h.Participants[p.String()] = rate
	}

	h.Pool, _ = HashrateFromVolume(minerVolume, windowSeconds)
	return h, nil
}

// Decay configures exponential time-decay of round shares
type Decay struct {
	Enabled bool
	Weight  float64
}

// RoundHashes weights a round share count. With decay enabled the count is
// divided by e^((lastBlockFound - now) / weight), so shares grow the older
// the round gets. Times are unix seconds; a lastBlockFound of zero or less
// means the pool has no block yet and no decay applies. The result is
// clamped to the largest finite float64.
func RoundHashes(shares uint64, decay Decay, lastBlockFound, now int64) float64 {
	s := float64(shares)
	if !decay.Enabled || decay.Weight <= 0 || lastBlockFound <= 0 || shares == 0 {
		return s
	}

	r := s / math.Exp(float64(lastBlockFound-now)/decay.Weight)
	if math.IsInf(r, 1) {
		return math.MaxFloat64
	}
	return r
}

func addClamped(a, b float64) float64 {
	sum := a + b
	if math.IsInf(sum, 1) {
		return math.MaxFloat64
	}
	return sum
}
