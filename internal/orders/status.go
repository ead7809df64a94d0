package orders

type Status string

const (
	StatusPending   Status = "PENDING"
	StatusPaid      Status = "PAID"
	StatusShipped   Status = "SHIPPED"
	StatusDelivered Status = "DELIVERED"
	StatusCompleted Status = "COMPLETED"
	StatusCancelled Status = "CANCELLED"
	StatusRefunded  Status = "REFUNDED"
)

// Orders only move forward. Cancellation is possible until the order ships.
var validNext = map[Status]map[Status]bool{
	StatusPending:   {StatusPaid: true, StatusCancelled: true},
	StatusPaid:      {StatusShipped: true, StatusCancelled: true, StatusRefunded: true},
	StatusShipped:   {StatusDelivered: true},
	StatusDelivered: {StatusCompleted: true},
	StatusCompleted: {},
	StatusCancelled: {},
	StatusRefunded:  {},
}

func CanTransition(from, to Status) bool {
	return validNext[from][to]
}

func (s Status) Valid() bool {
	_, ok := validNext[s]
	return ok
}

// Fulfilled reports whether the order has been paid for and not unwound.
func (s Status) Fulfilled() bool {
	switch s {
	case StatusPaid, StatusShipped, StatusDelivered, StatusCompleted:
		return true
	}
	return false
}
