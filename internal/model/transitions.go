package model

var allowedTransitions = map[string]map[string]bool{
	TicketStatusWaiting: {TicketStatusCalled: true},
	TicketStatusCalled:  {TicketStatusCompleted: true},
}

// ValidTransition reports whether a ticket may move from one status to
// another. Tickets never move backward and completed is terminal.
func ValidTransition(from, to string) bool {
	next, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	return next[to]
}
