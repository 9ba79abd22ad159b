// Package storage reads pool state from Redis for the stats API.
package storage

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// WorkerSeparator joins an address and a worker name in participant keys
const WorkerSeparator = "+"

// ErrMalformedRow is returned when a stored member cannot be parsed
var ErrMalformedRow = errors.New("malformed row")

// Participant identifies a miner address, optionally narrowed to one worker
type Participant struct {
	Address string
	Worker  string
}

// ParseParticipant splits an "address+worker" key. A key without a
// separator, or with an empty worker part, names the address itself.
func ParseParticipant(key string) Participant {
	i := strings.Index(key, WorkerSeparator)
	if i < 0 {
		return Participant{Address: key}
	}
	return Participant{Address: key[:i], Worker: key[i+len(WorkerSeparator):]}
}

// String formats the participant back into its key form
func (p Participant) String() string {
	if p.Worker == "" {
		return p.Address
	}
	return p.Address + WorkerSeparator + p.Worker
}

// IsWorker reports whether the participant carries a worker name
func (p Participant) IsWorker() bool {
	return p.Worker != ""
}

// HashrateSample is one windowed share entry: difficulty:participant[:timestampMs[:...]].
// Only the first two fields are required.
type HashrateSample struct {
	Difficulty  uint64
	Participant Participant
	Timestamp   int64 // milliseconds, 0 when absent
}

// ParseHashrateSample parses a hashrate sorted-set member
func ParseHashrateSample(member string) (HashrateSample, error) {
	parts := strings.Split(member, ":")
	if len(parts) < 2 {
		return HashrateSample{}, fmt.Errorf("%w: hashrate %q", ErrMalformedRow, member)
	}

	diff, err := strconv.ParseUint(parts[0], 10, 64)
	if err != nil {
		return HashrateSample{}, fmt.Errorf("%w: hashrate difficulty %q", ErrMalformedRow, member)
	}
	if parts[1] == "" {
		return HashrateSample{}, fmt.Errorf("%w: hashrate participant %q", ErrMalformedRow, member)
	}

	sample := HashrateSample{Difficulty: diff, Participant: ParseParticipant(parts[1])}
	if len(parts) > 2 {
		// Timestamp is informational; the window is trimmed by score.
		if ts, err := strconv.ParseInt(parts[2], 10, 64); err == nil {
			sample.Timestamp = ts
		}
	}
	return sample, nil
}

// String formats the sample as a sorted-set member
func (s HashrateSample) String() string {
	return fmt.Sprintf("%d:%s:%d", s.Difficulty, s.Participant, s.Timestamp)
}

// BlockRow is a block member: hash:timestamp:difficulty:shares[:orphaned:reward]
type BlockRow struct {
	Height     uint64
	Hash       string
	Timestamp  int64
	Difficulty uint64
	Shares     uint64
	Orphaned   bool
	Reward     *uint64
}

// ParseBlockRow parses a block sorted-set member and its height score
func ParseBlockRow(member string, height float64) (BlockRow, error) {
	parts := strings.Split(member, ":")
	if len(parts) < 4 {
		return BlockRow{}, fmt.Errorf("%w: block %q", ErrMalformedRow, member)
	}

	row := BlockRow{Height: uint64(height), Hash: parts[0]}

	var err error
	if row.Timestamp, err = strconv.ParseInt(parts[1], 10, 64); err != nil {
		return BlockRow{}, fmt.Errorf("%w: block timestamp %q", ErrMalformedRow, member)
	}
	if row.Difficulty, err = strconv.ParseUint(parts[2], 10, 64); err != nil {
		return BlockRow{}, fmt.Errorf("%w: block difficulty %q", ErrMalformedRow, member)
	}
	if row.Shares, err = strconv.ParseUint(parts[3], 10, 64); err != nil {
		return BlockRow{}, fmt.Errorf("%w: block shares %q", ErrMalformedRow, member)
	}

	if len(parts) > 4 {
		row.Orphaned = parts[4] == "1" || parts[4] == "true"
	}
	if len(parts) > 5 && parts[5] != "" {
		reward, err := strconv.ParseUint(parts[5], 10, 64)
		if err != nil {
			return BlockRow{}, fmt.Errorf("%w: block reward %q", ErrMalformedRow, member)
		}
		row.Reward = &reward
	}

	return row, nil
}

// Unlocked reports whether the block has been unlocked and carries a reward
func (b BlockRow) Unlocked() bool {
	return b.Reward != nil
}

// String formats the row as a sorted-set member
func (b BlockRow) String() string {
	s := fmt.Sprintf("%s:%d:%d:%d", b.Hash, b.Timestamp, b.Difficulty, b.Shares)
	if b.Reward != nil {
		orphaned := 0
		if b.Orphaned {
			orphaned = 1
		}
		s += fmt.Sprintf(":%d:%d", orphaned, *b.Reward)
	}
	return s
}

// Payment is a payment member: hash:amount:fee:mixin[:recipients]
type Payment struct {
	Timestamp  int64
	Hash       string
	Amount     uint64
	Fee        uint64
	Mixin      uint64
	Recipients uint64
}

// ParsePayment parses a payments sorted-set member and its time score
func ParsePayment(member string, score float64) (Payment, error) {
	parts := strings.Split(member, ":")
	if len(parts) < 4 {
		return Payment{}, fmt.Errorf("%w: payment %q", ErrMalformedRow, member)
	}

	p := Payment{Timestamp: int64(score), Hash: parts[0]}

	var err error
	if p.Amount, err = strconv.ParseUint(parts[1], 10, 64); err != nil {
		return Payment{}, fmt.Errorf("%w: payment amount %q", ErrMalformedRow, member)
	}
	if p.Fee, err = strconv.ParseUint(parts[2], 10, 64); err != nil {
		return Payment{}, fmt.Errorf("%w: payment fee %q", ErrMalformedRow, member)
	}
	if p.Mixin, err = strconv.ParseUint(parts[3], 10, 64); err != nil {
		return Payment{}, fmt.Errorf("%w: payment mixin %q", ErrMalformedRow, member)
	}
	if len(parts) > 4 {
		if p.Recipients, err = strconv.ParseUint(parts[4], 10, 64); err != nil {
			return Payment{}, fmt.Errorf("%w: payment recipients %q", ErrMalformedRow, member)
		}
	}

	return p, nil
}

// ScoredMember is a raw sorted-set entry as returned by WITHSCORES reads
type ScoredMember struct {
	Member string
	Score  float64
}

// Flatten renders entries in the member, score, member, score... layout
// clients of the pool API expect.
func Flatten(entries []ScoredMember) []string {
	out := make([]string, 0, len(entries)*2)
	for _, e := range entries {
		out = append(out, e.Member, strconv.FormatFloat(e.Score, 'f', -1, 64))
	}
	return out
}

// PoolData is the result of one batched pool read
type PoolData struct {
	Samples        []HashrateSample
	Malformed      int
	Stats          map[string]string
	LastBlockFound int64 // seconds, 0 when never recorded
	Candidates     []ScoredMember
	Matured        []ScoredMember
	RoundShares    map[string]uint64
	MaturedCount   int64
	Payments       []ScoredMember
	PaymentsCount  int64
	MinersPaid     int64
}

// AddressRecord is the parsed per-address workers hash
type AddressRecord struct {
	Address string
	Fields  map[string]string
}

// AddressData is the result of one batched per-address read
type AddressData struct {
	Record   *AddressRecord
	Payments []ScoredMember
	Workers  []string // worker names, without the address
}

// MinerSummary holds lifetime counters for one address
type MinerSummary struct {
	Address   string
	LastShare int64
	Hashes    uint64
}

// WorkerDetail holds lifetime counters for a single worker
type WorkerDetail struct {
	Name      string
	LastShare int64
	Hashes    uint64
}
