package escrow

var transitions = map[Role]map[Status][]Status{
	RoleBuyer: {
		StatusInitiated:  {StatusCancelled},
		StatusShipped:    {StatusDelivered},
		StatusDelivered:  {StatusInspection},
		StatusInspection: {StatusCompleted, StatusDisputed},
	},
	RoleSeller: {
		StatusInitiated:       {StatusPaymentReceived, StatusCancelled},
		StatusPaymentReceived: {StatusShipped},
		StatusCompleted:       {StatusFundsReleased},
	},
	// Admins only arbitrate disputes.
	RoleAdmin: {
		StatusDisputed: {StatusRefunded, StatusFundsReleased, StatusCancelled},
	},
}

// Allowed returns the targets role may move a transaction to from current.
// SYSTEM has no entries; it is authorized by the timeout table instead.
func Allowed(role Role, current Status) []Status {
	targets := transitions[role][current]
	out := make([]Status, len(targets))
	copy(out, targets)
	return out
}

// Permits reports whether role may move a transaction from one status to another.
func Permits(role Role, from, to Status) bool {
	for _, s := range transitions[role][from] {
		if s == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no role has any outgoing transition from s.
func IsTerminal(s Status) bool {
	for _, table := range transitions {
		if len(table[s]) > 0 {
			return false
		}
	}
	return true
}
