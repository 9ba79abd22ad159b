package storage

import (
	"errors"
	"reflect"
	"testing"
)

func TestParseParticipant(t *testing.T) {
	tests := []struct {
		key      string
		want     Participant
		isWorker bool
	}{
		{"addrA", Participant{Address: "addrA"}, false},
		{"addrA+rig1", Participant{Address: "addrA", Worker: "rig1"}, true},
		{"addrA+", Participant{Address: "addrA"}, false},
		{"addrA+rig+2", Participant{Address: "addrA", Worker: "rig+2"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			got := ParseParticipant(tt.key)
			if got != tt.want {
				t.Errorf("ParseParticipant(%q) = %+v, want %+v", tt.key, got, tt.want)
			}
			if got.IsWorker() != tt.isWorker {
				t.Errorf("IsWorker() = %v, want %v", got.IsWorker(), tt.isWorker)
			}
		})
	}
}

func TestParticipantRoundTrip(t *testing.T) {
	for _, key := range []string{"addrA", "addrA+rig1", "addrA+rig+2"} {
		if got := ParseParticipant(key).String(); got != key {
			t.Errorf("ParseParticipant(%q).String() = %q", key, got)
		}
	}
}

func TestParseHashrateSample(t *testing.T) {
	s, err := ParseHashrateSample("100:addrA+rig1:1700000000123")
	if err != nil {
		t.Fatalf("ParseHashrateSample() error = %v", err)
	}
	if s.Difficulty != 100 {
		t.Errorf("Difficulty = %d, want 100", s.Difficulty)
	}
	if s.Participant != (Participant{Address: "addrA", Worker: "rig1"}) {
		t.Errorf("Participant = %+v", s.Participant)
	}
	if s.Timestamp != 1700000000123 {
		t.Errorf("Timestamp = %d, want 1700000000123", s.Timestamp)
	}
	if s.String() != "100:addrA+rig1:1700000000123" {
		t.Errorf("String() = %q", s.String())
	}
}

func TestParseHashrateSampleShapes(t *testing.T) {
	tests := []struct {
		member string
		ts     int64
	}{
		{"100:addrA+rig1:1700000000:prop", 1700000000},
		{"100:addrA+rig1", 0},
		{"100:addrA+rig1:notatime", 0},
	}

	for _, tt := range tests {
		t.Run(tt.member, func(t *testing.T) {
			s, err := ParseHashrateSample(tt.member)
			if err != nil {
				t.Fatalf("ParseHashrateSample() error = %v", err)
			}
			if s.Difficulty != 100 {
				t.Errorf("Difficulty = %d, want 100", s.Difficulty)
			}
			if s.Participant != (Participant{Address: "addrA", Worker: "rig1"}) {
				t.Errorf("Participant = %+v", s.Participant)
			}
			if s.Timestamp != tt.ts {
				t.Errorf("Timestamp = %d, want %d", s.Timestamp, tt.ts)
			}
		})
	}
}

func TestParseHashrateSampleMalformed(t *testing.T) {
	for _, member := range []string{"", "100", "x:addr:1", "100::1", "-5:addr"} {
		t.Run(member, func(t *testing.T) {
			if _, err := ParseHashrateSample(member); !errors.Is(err, ErrMalformedRow) {
				t.Errorf("ParseHashrateSample(%q) error = %v, want ErrMalformedRow", member, err)
			}
		})
	}
}

func TestParseBlockRow(t *testing.T) {
	tests := []struct {
		name     string
		member   string
		unlocked bool
		orphaned bool
		reward   uint64
	}{
		{"candidate", "abc:1700000000:1000:900", false, false, 0},
		{"unlocked", "abc:1700000000:1000:900:0:50", true, false, 50},
		{"orphaned", "abc:1700000000:1000:900:1:0", true, true, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			row, err := ParseBlockRow(tt.member, 42)
			if err != nil {
				t.Fatalf("ParseBlockRow() error = %v", err)
			}
			if row.Height != 42 || row.Hash != "abc" || row.Difficulty != 1000 || row.Shares != 900 {
				t.Errorf("ParseBlockRow() = %+v", row)
			}
			if row.Unlocked() != tt.unlocked {
				t.Errorf("Unlocked() = %v, want %v", row.Unlocked(), tt.unlocked)
			}
			if row.Orphaned != tt.orphaned {
				t.Errorf("Orphaned = %v, want %v", row.Orphaned, tt.orphaned)
			}
			if tt.unlocked && *row.Reward != tt.reward {
				t.Errorf("Reward = %d, want %d", *row.Reward, tt.reward)
			}
			if row.String() != tt.member {
				t.Errorf("String() = %q, want %q", row.String(), tt.member)
			}
		})
	}
}

func TestParseBlockRowMalformed(t *testing.T) {
	for _, member := range []string{"abc", "abc:1:2", "abc:x:1000:900", "abc:1:x:900", "abc:1:1000:x", "abc:1:1000:900:0:x"} {
		if _, err := ParseBlockRow(member, 1); !errors.Is(err, ErrMalformedRow) {
			t.Errorf("ParseBlockRow(%q) error = %v, want ErrMalformedRow", member, err)
		}
	}
}

func TestParsePayment(t *testing.T) {
	p, err := ParsePayment("txhash:5000:10:3:2", 1700000000)
	if err != nil {
		t.Fatalf("ParsePayment() error = %v", err)
	}
	want := Payment{Timestamp: 1700000000, Hash: "txhash", Amount: 5000, Fee: 10, Mixin: 3, Recipients: 2}
	if p != want {
		t.Errorf("ParsePayment() = %+v, want %+v", p, want)
	}

	if _, err := ParsePayment("txhash:5000", 1); !errors.Is(err, ErrMalformedRow) {
		t.Errorf("ParsePayment(short) error = %v, want ErrMalformedRow", err)
	}
}

func TestFlatten(t *testing.T) {
	got := Flatten([]ScoredMember{{Member: "a", Score: 10}, {Member: "b", Score: 1.5}})
	want := []string{"a", "10", "b", "1.5"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Flatten() = %v, want %v", got, want)
	}
}
