package engine

import "logsentry/internal/model"

type entry struct {
	anomaly model.Anomaly
	window  *model.WindowContext
	// pending entries are still collecting following records
	pending bool
}

// Assembler attaches context to flagged records during pass two. Anomalies
// leave it in arrival order; a window anomaly holds back everything after it
// until its following records have been seen.
type Assembler struct {
	sessions *SessionIndex
	ring     *Ring
	size     int
	queue    []*entry
}

func NewAssembler(sessions *SessionIndex, windowSize int) *Assembler {
	if sessions == nil {
		sessions = NewSessionIndex(0)
	}
	if windowSize < 0 {
		windowSize = 0
	}
	return &Assembler{sessions: sessions, ring: NewRing(windowSize), size: windowSize}
}

// Observe feeds the next record, with its anomaly if one was flagged, and
// returns the anomalies whose context is now complete.
func (a *Assembler) Observe(rec model.LogRecord, anomaly *model.Anomaly) []model.Anomaly {
	for _, e := range a.queue {
		if !e.pending {
			continue
		}
		e.window.Next = append(e.window.Next, rec)
		if len(e.window.Next) >= a.size {
			e.pending = false
		}
	}

	if anomaly != nil {
		e := &entry{anomaly: *anomaly}
		if group, ok := a.sessions.Lookup(rec.CorrelationID); ok {
			e.anomaly.Context = sessionContext(rec.CorrelationID, group, rec)
		} else {
			e.window = &model.WindowContext{
				Previous: a.ring.Snapshot(),
				Current:  rec,
				Next:     make([]model.LogRecord, 0, a.size),
				Position: rec.Seq,
			}
			e.pending = a.size > 0
		}
		a.queue = append(a.queue, e)
	}
	a.ring.Push(rec)
	return a.drain(false)
}

// Finish closes the stream: pending windows keep the following records that exist.
func (a *Assembler) Finish() []model.Anomaly {
	for _, e := range a.queue {
		e.pending = false
	}
	return a.drain(false)
}

// Abort discards anomalies whose window is incomplete and returns the rest in order.
func (a *Assembler) Abort() []model.Anomaly {
	return a.drain(true)
}

// Pending is the number of anomalies held back.
func (a *Assembler) Pending() int {
	return len(a.queue)
}

func (a *Assembler) drain(skipPending bool) []model.Anomaly {
	var out []model.Anomaly
	i := 0
	for ; i < len(a.queue); i++ {
		e := a.queue[i]
		if e.pending {
			if !skipPending {
				break
			}
			continue
		}
		if e.window != nil {
			e.anomaly.Context = *e.window
		}
		out = append(out, e.anomaly)
	}
	a.queue = a.queue[i:]
	if len(a.queue) == 0 {
		a.queue = nil
	}
	return out
}
