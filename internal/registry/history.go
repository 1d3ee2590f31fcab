package registry

// historyRing is a fixed-capacity ring of command records. Not self-locking:
// guarded by the owning session's mutex.
type historyRing struct {
	records []CommandRecord
	head    int
	count   int
}

func newHistoryRing(capacity int) *historyRing {
	if capacity <= 0 {
		capacity = 1000
	}
	return &historyRing{records: make([]CommandRecord, capacity)}
}

func (r *historyRing) append(rec CommandRecord) {
	r.records[r.head] = rec
	r.head = (r.head + 1) % len(r.records)
	if r.count < len(r.records) {
		r.count++
	}
}

// snapshot returns the records in chronological order.
func (r *historyRing) snapshot() []CommandRecord {
	if r.count == 0 {
		return nil
	}
	out := make([]CommandRecord, r.count)
	if r.count < len(r.records) {
		copy(out, r.records[:r.count])
	} else {
		n := copy(out, r.records[r.head:])
		copy(out[n:], r.records[:r.head])
	}
	return out
}
