package engine

import "logsentry/internal/model"

// Ring keeps the most recent records in a fixed array. Push overwrites the
// oldest entry once full, so memory never exceeds the capacity.
type Ring struct {
	entries []model.LogRecord
	head    int
	size    int
}

func NewRing(capacity int) *Ring {
	if capacity < 0 {
		capacity = 0
	}
	return &Ring{entries: make([]model.LogRecord, capacity)}
}

func (r *Ring) Push(rec model.LogRecord) {
	if len(r.entries) == 0 {
		return
	}
	idx := (r.head + r.size) % len(r.entries)
	if r.size == len(r.entries) {
		r.entries[r.head] = rec
		r.head = (r.head + 1) % len(r.entries)
		return
	}
	r.entries[idx] = rec
	r.size++
}

// Snapshot copies the held records, oldest first.
func (r *Ring) Snapshot() []model.LogRecord {
	out := make([]model.LogRecord, r.size)
	for i := 0; i < r.size; i++ {
		out[i] = r.entries[(r.head+i)%len(r.entries)]
	}
	return out
}

func (r *Ring) Len() int {
	return r.size
}
