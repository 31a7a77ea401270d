package collab

import (
	"errors"
	"fmt"
	"strings"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/golang/glog"
)

// the accepted operation log and per-user clocks for one session.
// Convergence only needs recent causal context, so the log is bounded.
// Not safe for concurrent use. A history is owned by exactly one session loop.

type HistorySettings struct {
	// when the log holds this many entries, it is trimmed before the next append
	Capacity int
	// number of most recent entries kept by a trim
	RetainOnTrim int
}

func DefaultHistorySettings() *HistorySettings {
	return &HistorySettings{
		Capacity:     1000,
		RetainOnTrim: 500,
	}
}

type HistoryEntry struct {
	Operation Operation
	// insertion order in the log. Monotonic across trims.
	Index int64
}

type EvictFunction = func(evicted []HistoryEntry)

// an admission fault. Malformed operations are never admitted.
type AdmissionError struct {
	Rejected []Operation
	Errs     []error
}

func (self *AdmissionError) Error() string {
	parts := []string{}
	for _, err := range self.Errs {
		parts = append(parts, err.Error())
	}
	return fmt.Sprintf("%d operation(s) rejected: %s", len(self.Rejected), strings.Join(parts, "; "))
}

func (self *AdmissionError) Unwrap() []error {
	return self.Errs
}

// comparable
type operationKey struct {
	objectId  string
	userId    string
	timestamp int64
}

func keyOf(op Operation) operationKey {
	return operationKey{
		objectId:  op.ObjectId,
		userId:    op.UserId,
		timestamp: op.Timestamp,
	}
}

type History struct {
	settings    *HistorySettings
	transformer *Transformer

	entries   []HistoryEntry
	nextIndex int64

	ids   mapset.Set[Id]
	keys  mapset.Set[operationKey]
	clock VectorClock

	evictCallbacks *CallbackList[EvictFunction]
}

func NewHistoryWithDefaults() *History {
	return NewHistory(DefaultHistorySettings(), NewTransformerWithDefaults())
}

func NewHistory(settings *HistorySettings, transformer *Transformer) *History {
	if settings.RetainOnTrim < 0 || settings.Capacity < settings.RetainOnTrim {
		panic(fmt.Errorf("History retain must be in [0, capacity]: %d, %d", settings.RetainOnTrim, settings.Capacity))
	}
	return &History{
		settings:       settings,
		transformer:    transformer,
		entries:        []HistoryEntry{},
		ids:            mapset.NewThreadUnsafeSet[Id](),
		keys:           mapset.NewThreadUnsafeSet[operationKey](),
		clock:          NewVectorClock(),
		evictCallbacks: NewCallbackList[EvictFunction](),
	}
}

func (self *History) AddEvictCallback(evictCallback EvictFunction) func() {
	callbackId := self.evictCallbacks.Add(evictCallback)
	return func() {
		self.evictCallbacks.Remove(callbackId)
	}
}

func (self *History) AddToHistory(op Operation) {
	if self.settings.Capacity <= len(self.entries) {
		self.trim()
	}

	self.entries = append(self.entries, HistoryEntry{
		Operation: op,
		Index:     self.nextIndex,
	})
	self.nextIndex += 1
	self.ids.Add(op.Id)
	self.keys.Add(keyOf(op))
	self.clock.Observe(op.UserId, op.Timestamp)
}

func (self *History) trim() {
	cut := len(self.entries) - self.settings.RetainOnTrim
	if cut <= 0 {
		return
	}
	evicted := self.entries[:cut]
	self.entries = append([]HistoryEntry{}, self.entries[cut:]...)

	// the indexes only cover retained entries.
	// A duplicate of an evicted operation is admitted again
	self.ids.Clear()
	self.keys.Clear()
	for _, entry := range self.entries {
		self.ids.Add(entry.Operation.Id)
		self.keys.Add(keyOf(entry.Operation))
	}

	glog.V(1).Infof("[h]trim evicted=%d retained=%d\n", len(evicted), len(self.entries))

	for _, evictCallback := range self.evictCallbacks.Get() {
		HandleError(func() {
			evictCallback(evicted)
		})
	}
}

// CanApply is the idempotence guard against duplicate delivery.
func (self *History) CanApply(op Operation) bool {
	if self.ids.Contains(op.Id) {
		return false
	}
	if self.keys.Contains(keyOf(op)) {
		return false
	}
	return true
}

// GetSince returns operations strictly after `timestamp`.
// When `excludeUserId` is set, that user's operations are left out.
func (self *History) GetSince(timestamp int64, excludeUserId string) []Operation {
	ops := []Operation{}
	for _, entry := range self.entries {
		op := entry.Operation
		if op.Timestamp <= timestamp {
			continue
		}
		if excludeUserId != "" && op.UserId == excludeUserId {
			continue
		}
		ops = append(ops, op)
	}
	return ops
}

// ResolveBatch is the single admission path for local and inbound batches.
// The batch is evaluated in evaluation order. Each admissible operation is transformed against
// the concurrent operations already in the history, including those resolved earlier in this call.
// The result and then its companions are appended to the history and to the returned list.
// Duplicates are skipped silently. Malformed operations are skipped and returned as an `*AdmissionError`.
func (self *History) ResolveBatch(ops []Operation) ([]Operation, error) {
	resolved := []Operation{}
	var admissionErr *AdmissionError

	for _, op := range SortOperations(ops) {
		if err := op.Validate(); err != nil {
			if admissionErr == nil {
				admissionErr = &AdmissionError{}
			}
			admissionErr.Rejected = append(admissionErr.Rejected, op)
			admissionErr.Errs = append(admissionErr.Errs, err)
			continue
		}
		if !self.CanApply(op) {
			glog.V(2).Infof("[h]duplicate %s\n", op)
			continue
		}

		result := self.transformer.Transform(op, self.concurrentWith(op))
		if glog.V(2) && (result.Operation.Type != op.Type || 0 < len(result.Companions)) {
			glog.Infof("[h]transform %s -> %s (%d companions)\n", op, result.Operation, len(result.Companions))
		}

		self.AddToHistory(result.Operation)
		resolved = append(resolved, result.Operation)
		for _, companion := range result.Companions {
			self.AddToHistory(companion)
			resolved = append(resolved, companion)
		}
	}

	if admissionErr != nil {
		return resolved, admissionErr
	}
	return resolved, nil
}

// the latest rewrite of every logged operation that could be concurrent with `op`,
// in order of first appearance
func (self *History) concurrentWith(op Operation) []Operation {
	window := self.transformer.settings.ConcurrencyWindow.Milliseconds()
	ops := []Operation{}
	positions := map[Id]int{}
	for _, entry := range self.entries {
		candidate := entry.Operation
		if i, ok := positions[candidate.Id]; ok {
			ops[i] = candidate
			continue
		}
		if candidate.Timestamp <= op.Timestamp-window || op.Timestamp+window <= candidate.Timestamp {
			continue
		}
		positions[candidate.Id] = len(ops)
		ops = append(ops, candidate)
	}
	return ops
}

func (self *History) Len() int {
	return len(self.entries)
}

func (self *History) Entries() []HistoryEntry {
	return append([]HistoryEntry{}, self.entries...)
}

func (self *History) Operations() []Operation {
	ops := make([]Operation, len(self.entries))
	for i, entry := range self.entries {
		ops[i] = entry.Operation
	}
	return ops
}

func (self *History) VectorClock() VectorClock {
	return self.clock.Clone()
}

// IsAdmissionError reports whether `err` rejected at least one malformed operation.
func IsAdmissionError(err error) bool {
	var admissionErr *AdmissionError
	return errors.As(err, &admissionErr)
}
