package void

import (
	"runtime"

	"github.com/outofforest/seraph/types"
)

const (
	// DefaultCapacity is the default number of slots in the archaeology ring.
	DefaultCapacity = 1024

	// MessageLength is the capacity of the inline message buffer. Longer
	// messages are truncated.
	MessageLength = 63

	// MaxChainDepth bounds WalkChain against pathological predecessor loops.
	MaxChainDepth = 64
)

// Record is a single archaeology entry. Records are immutable once written;
// Lookup and Last return snapshots.
type Record struct {
	ID          types.VoidID
	Reason      Reason
	Timestamp   uint64
	Predecessor types.VoidID
	InputA      uint64
	InputB      uint64
	File        string
	Function    string
	Line        int
	msg         [MessageLength + 1]byte
	msgLen      uint8
}

// Message returns the free-form message stored with the record.
func (r *Record) Message() string {
	return string(r.msg[:r.msgLen])
}

// NewTable creates new archaeology table. Capacity 0 means DefaultCapacity.
// A table has a single owner; it must only ever be mutated by the goroutine
// owning the subsystem it was handed to.
func NewTable(capacity uint64) *Table {
	if capacity == 0 {
		capacity = DefaultCapacity
	}
	return &Table{
		records: make([]Record, capacity),
		enabled: true,
	}
}

// Table is a fixed ring of failure records with a never-resetting id
// counter, so ids stay unique across wraparound.
type Table struct {
	records  []Record
	writePtr uint64
	nextID   types.VoidID
	clock    uint64
	enabled  bool
}

// SetEnabled switches failure tracking on or off.
func (t *Table) SetEnabled(enabled bool) {
	t.enabled = enabled
}

// Enabled returns true if failure tracking is on.
func (t *Table) Enabled() bool {
	return t.enabled
}

// Count returns the number of records ever stored, including those already
// overwritten by ring wraparound.
func (t *Table) Count() uint64 {
	return uint64(t.nextID)
}

// Clear erases all records. The id counter is not reset.
func (t *Table) Clear() {
	clear(t.records)
	t.writePtr = 0
}

// Record stores a failure record and returns its id. Returns 0 without
// doing any work when tracking is disabled. The caller's source location is
// captured here.
func (t *Table) Record(
	reason Reason,
	predecessor types.VoidID,
	inputA, inputB uint64,
	msg string,
) types.VoidID {
	return t.record(2, reason, predecessor, inputA, inputB, msg)
}

func (t *Table) record(
	skip int,
	reason Reason,
	predecessor types.VoidID,
	inputA, inputB uint64,
	msg string,
) types.VoidID {
	if !t.enabled {
		return 0
	}

	t.nextID++
	t.clock++

	r := &t.records[t.writePtr%uint64(len(t.records))]
	t.writePtr++

	*r = Record{
		ID:          t.nextID,
		Reason:      reason,
		Timestamp:   t.clock,
		Predecessor: predecessor,
		InputA:      inputA,
		InputB:      inputB,
	}
	if pc, file, line, ok := runtime.Caller(skip); ok {
		r.File = file
		r.Line = line
		if fn := runtime.FuncForPC(pc); fn != nil {
			r.Function = fn.Name()
		}
	}
	r.msgLen = uint8(copy(r.msg[:MessageLength], msg))

	return t.nextID
}

// Lookup finds a record by id. It scans the ring linearly; records
// overwritten by ring wrap are not found.
func (t *Table) Lookup(id types.VoidID) (Record, bool) {
	if id == 0 {
		return Record{}, false
	}
	for i := range t.records {
		if t.records[i].ID == id {
			return t.records[i], true
		}
	}
	return Record{}, false
}

// Last returns the most recently written record.
func (t *Table) Last() (Record, bool) {
	if t.writePtr == 0 {
		return Record{}, false
	}
	r := t.records[(t.writePtr-1)%uint64(len(t.records))]
	if r.ID == 0 {
		return Record{}, false
	}
	return r, true
}

// WalkChain follows predecessor pointers from id to the root cause and
// invokes fn on each record in root-first order. The walk visits at most
// MaxChainDepth records. It returns the chain depth, or 0 if id is not
// found. fn returning false stops the walk.
func (t *Table) WalkChain(id types.VoidID, fn func(Record) bool) int {
	chain := make([]Record, 0, MaxChainDepth)
	for id != 0 && len(chain) < MaxChainDepth {
		r, exists := t.Lookup(id)
		if !exists {
			break
		}
		chain = append(chain, r)
		id = r.Predecessor
	}

	for i := len(chain) - 1; i >= 0; i-- {
		if !fn(chain[i]) {
			break
		}
	}
	return len(chain)
}
