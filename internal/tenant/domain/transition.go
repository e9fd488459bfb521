package domain

var allowedTransitions = map[Status][]Status{
	StatusPending:   {StatusApproved, StatusCancelled},
	StatusApproved:  {StatusActive, StatusSuspended, StatusCancelled},
	StatusActive:    {StatusSuspended, StatusCancelled},
	StatusSuspended: {StatusActive, StatusCancelled},
}

// CanTransition reports whether a tenant may move from one status to another.
// Staying in the same status is always allowed and treated as a no-op.
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
