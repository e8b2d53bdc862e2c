package session

import "fmt"

// ChangeState is the per-key change marker carried by tracking sessions.
// The numeric values are part of the wire format.
type ChangeState byte

const (
	Unknown ChangeState = iota
	NoChange
	Removed
	Changed
	New
)

// String returns the lower-case name of the state.
func (s ChangeState) String() string {
	switch s {
	case Unknown:
		return "unknown"
	case NoChange:
		return "no_change"
	case Removed:
		return "removed"
	case Changed:
		return "changed"
	case New:
		return "new"
	default:
		return fmt.Sprintf("change_state(%d)", byte(s))
	}
}

// Valid reports whether s is one of the defined states.
func (s ChangeState) Valid() bool {
	return s <= New
}

// Deserializer decodes a raw payload for a key on first access.
type Deserializer interface {
	Deserialize(key string, data []byte) (any, error)
}

// cell is one entry of the collection. Which fields are meaningful depends
// on state:
//
//	NoChange  raw
//	New       value
//	Changed   value
//	Removed   nothing
//	Unknown   raw, when the payload was received
type cell struct {
	state ChangeState
	raw   []byte
	value any
}

func unchangedCell(raw []byte) cell { return cell{state: NoChange, raw: raw} }

func newCell(v any) cell { return cell{state: New, value: v} }

func changedCell(v any) cell { return cell{state: Changed, value: v} }

func removedCell() cell { return cell{state: Removed} }

func unknownCell(raw []byte) cell { return cell{state: Unknown, raw: raw} }

// present reports whether the cell counts as a key of the collection.
func (c cell) present() bool {
	return c.state == New || c.state == Changed || c.state == NoChange
}

// read returns the next cell and the value observed. ok is false when the
// key has no readable value. A raw payload that fails to decode moves the
// cell to Unknown and keeps the bytes so they can still be forwarded.
func (c cell) read(key string, d Deserializer) (next cell, v any, ok bool, err error) {
	switch c.state {
	case New, Changed:
		return c, c.value, true, nil
	case NoChange:
		if d == nil {
			return unknownCell(c.raw), nil, false, fmt.Errorf("no deserializer for key %q", key)
		}
		v, err := d.Deserialize(key, c.raw)
		if err != nil {
			return unknownCell(c.raw), nil, false, err
		}
		return changedCell(v), v, true, nil
	default:
		return c, nil, false, nil
	}
}

// write returns the cell after assigning v. A key stays New until it has
// existed remotely; everything else becomes Changed.
func (c cell) write(v any) cell {
	if c.state == New {
		return newCell(v)
	}
	return changedCell(v)
}

// remove returns the cell after a delete. keep is false when the key never
// existed remotely and should vanish entirely.
func (c cell) remove() (next cell, keep bool) {
	if c.state == New {
		return cell{}, false
	}
	return removedCell(), true
}
