package order

type Status string

const (
	StatusNew            Status = "new"
	StatusConfirmed      Status = "confirmed"
	StatusPreparing      Status = "preparing"
	StatusReady          Status = "ready"
	StatusOutForDelivery Status = "out_for_delivery"
	StatusCompleted      Status = "completed"
	StatusCancelled      Status = "cancelled"
)

func (s Status) String() string {
	return string(s)
}

var allowedTransitions = map[Status]map[Status]bool{
	StatusNew: {
		StatusConfirmed: true,
		StatusCancelled: true,
	},
	StatusConfirmed: {
		StatusPreparing: true,
		StatusCancelled: true,
	},
	StatusPreparing: {
		StatusReady:     true,
		StatusCancelled: true,
	},
	StatusReady: {
		StatusCompleted:      true,
		StatusOutForDelivery: true,
		StatusCancelled:      true,
	},
	StatusOutForDelivery: {
		StatusCompleted: true,
		StatusCancelled: true,
	},
	StatusCompleted: {},
	StatusCancelled: {},
}

func (s Status) Valid() bool {
	_, ok := allowedTransitions[s]
	return ok
}

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// CanTransition reports whether from -> to is in the transition table.
func CanTransition(from, to Status) bool {
	return allowedTransitions[from][to]
}

// ActiveStatuses lists every non-terminal status.
func ActiveStatuses() []Status {
	return []Status{StatusNew, StatusConfirmed, StatusPreparing, StatusReady, StatusOutForDelivery}
}

// NextStatus is the natural successor used by the bump action.
func NextStatus(current Status, orderType OrderType) (Status, bool) {
	switch current {
	case StatusNew:
		return StatusConfirmed, true
	case StatusConfirmed:
		return StatusPreparing, true
	case StatusPreparing:
		return StatusReady, true
	case StatusReady:
		if orderType == TypeDelivery {
			return StatusOutForDelivery, true
		}
		return StatusCompleted, true
	case StatusOutForDelivery:
		return StatusCompleted, true
	}
	return "", false
}
