package domain

var allowedTransitions = map[Status][]Status{
	StatusTrial:   {StatusActive, StatusExpired, StatusCancelled},
	StatusActive:  {StatusPastDue, StatusCancelled},
	StatusPastDue: {StatusActive, StatusExpired, StatusCancelled},
}

// CanTransition reports whether a subscription may move between statuses.
// Staying in the same status is allowed and is a no-op for callers.
func CanTransition(from, to Status) bool {
	if from == to {
		return true
	}
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
