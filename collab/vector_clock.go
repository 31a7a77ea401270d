package collab

import (
	"golang.org/x/exp/maps"
)

// VectorClock maps user id to the highest timestamp seen from that user.
// Clocks are not synchronized across clients, so this is an advisory causality hint only.
type VectorClock map[string]int64

func NewVectorClock() VectorClock {
	return VectorClock{}
}

// Observe is monotonic per user.
func (self VectorClock) Observe(userId string, timestamp int64) {
	if current, ok := self[userId]; !ok || current < timestamp {
		self[userId] = timestamp
	}
}

func (self VectorClock) Get(userId string) (int64, bool) {
	timestamp, ok := self[userId]
	return timestamp, ok
}

func (self VectorClock) Merge(other VectorClock) VectorClock {
	merged := self.Clone()
	for userId, timestamp := range other {
		merged.Observe(userId, timestamp)
	}
	return merged
}

func (self VectorClock) Clone() VectorClock {
	if self == nil {
		return VectorClock{}
	}
	return maps.Clone(self)
}
