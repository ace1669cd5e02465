package status

// Status is the per-recipient delivery state of a message.
type Status string

const (
	Sent      Status = "sent"
	Delivered Status = "delivered"
	Read      Status = "read"
	Deleted   Status = "deleted"
)

// rank orders the forward-only part of the lifecycle. Deleted is not
// ranked: it is reachable from any state and terminal.
var rank = map[Status]int{
	Sent:      0,
	Delivered: 1,
	Read:      2,
}

// Valid reports whether s is a known delivery status.
func Valid(s Status) bool {
	if s == Deleted {
		return true
	}
	_, ok := rank[s]
	return ok
}

// Advances reports whether moving from `from` to `to` is a forward
// transition. Deleted always wins; anything else must strictly increase
// rank. A non-advancing update is treated by callers as an idempotent
// no-op, never an error.
func Advances(from, to Status) bool {
	if to == Deleted {
		return from != Deleted
	}
	rf, okf := rank[from]
	rt, okt := rank[to]
	if !okf || !okt {
		return false
	}
	return rt > rf
}

// Prior returns the set of states from which `to` is a forward move.
// Used to build conditional store updates that cannot regress a record.
func Prior(to Status) []Status {
	if to == Deleted {
		return []Status{Sent, Delivered, Read}
	}
	rt, ok := rank[to]
	if !ok {
		return nil
	}
	var prior []Status
	for s, r := range rank {
		if r < rt {
			prior = append(prior, s)
		}
	}
	return prior
}
