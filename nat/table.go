package nat

import (
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"go.universe.tf/distnat/flow"
)

// EntryState tracks cross-instance confirmation of an entry's port.
type EntryState int

const (
	// StateProvisional entries are usable but not yet confirmed by the
	// shared store.
	StateProvisional EntryState = iota
	// StateClaimed entries hold a confirmed binding.
	StateClaimed
	// StateUnconfirmed entries ran out of confirmation attempts and are
	// reclaimed early.
	StateUnconfirmed
)

func (s EntryState) String() string {
	switch s {
	case StateProvisional:
		return "provisional"
	case StateClaimed:
		return "claimed"
	case StateUnconfirmed:
		return "unconfirmed"
	default:
		return fmt.Sprintf("EntryState(%d)", int(s))
	}
}

// Entry is one translation: Original is the flow as it arrived,
// Translated the same flow after source rewriting.
type Entry struct {
	Original   flow.Flow
	Translated flow.Flow
	Port       uint16
	LastUsed   time.Time
	State      EntryState

	inUse bool
}

// Claimed reports whether the coordinator confirmed the binding.
func (e *Entry) Claimed() bool {
	return e.State == StateClaimed
}

// reverseKey is the flow of reply packets for this entry.
func (e *Entry) reverseKey() flow.Flow {
	return e.Translated.Reverse()
}

// Table is the bidirectional translation table. Each entry lives in the
// arena slot of its port and is reachable through two index keys: the
// original flow and the reverse of the translated flow. Both keys are
// always added and removed together.
type Table struct {
	min   uint16
	slots []Entry
	index map[flow.Flow]int
	live  int
}

func NewTable(min, max uint16) *Table {
	return &Table{
		min:   min,
		slots: make([]Entry, int(max-min)),
		index: make(map[flow.Flow]int, int(max-min)*2),
	}
}

// Lookup finds the entry for f. forward is true when f is the entry's
// original flow and false when f is a reply.
func (t *Table) Lookup(f flow.Flow) (e *Entry, forward bool) {
	i, ok := t.index[f]
	if !ok {
		return nil, false
	}
	e = &t.slots[i]
	if !e.inUse {
		log.Panicf("translation index for %s points at empty slot %d", f, i)
	}
	return e, e.Original == f
}

// Get returns the entry using port, if any.
func (t *Table) Get(port uint16) *Entry {
	i, ok := t.slot(port)
	if !ok || !t.slots[i].inUse {
		return nil
	}
	return &t.slots[i]
}

// ErrKeyInUse is returned by Insert when either index key of the new entry
// already belongs to another entry.
var ErrKeyInUse = errors.New("flow already present in translation table")

// Insert stores e in the slot of e.Port under both keys.
func (t *Table) Insert(e Entry) (*Entry, error) {
	i, ok := t.slot(e.Port)
	if !ok {
		log.Panicf("port %d outside table range", e.Port)
	}
	if t.slots[i].inUse {
		log.Panicf("port %d already used by %s", e.Port, t.slots[i].Original)
	}
	if _, dup := t.index[e.Original]; dup {
		return nil, fmt.Errorf("%s: %w", e.Original, ErrKeyInUse)
	}
	if _, dup := t.index[e.reverseKey()]; dup {
		return nil, fmt.Errorf("reply %s: %w", e.reverseKey(), ErrKeyInUse)
	}

	e.inUse = true
	t.slots[i] = e
	t.index[e.Original] = i
	t.index[e.reverseKey()] = i
	t.live++
	return &t.slots[i], nil
}

// Remove deletes the entry on port together with both of its keys.
func (t *Table) Remove(port uint16) (Entry, bool) {
	i, ok := t.slot(port)
	if !ok || !t.slots[i].inUse {
		return Entry{}, false
	}
	e := t.slots[i]
	delete(t.index, e.Original)
	delete(t.index, e.reverseKey())
	t.slots[i] = Entry{}
	t.live--
	return e, true
}

// Range calls fn for each live entry until fn returns false. fn must not
// insert or remove entries.
func (t *Table) Range(fn func(*Entry) bool) {
	for i := range t.slots {
		if !t.slots[i].inUse {
			continue
		}
		if !fn(&t.slots[i]) {
			return
		}
	}
}

// Len is the number of live entries.
func (t *Table) Len() int { return t.live }

func (t *Table) slot(port uint16) (int, bool) {
	if port < t.min {
		return 0, false
	}
	i := int(port - t.min)
	return i, i < len(t.slots)
}
