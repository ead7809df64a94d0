package stock

type Status string

const (
	StatusReserved  Status = "RESERVED"
	StatusConfirmed Status = "CONFIRMED"
	StatusReleased  Status = "RELEASED"
)

// Confirmed and Released are terminal; a reservation leaves Reserved once.
var validNext = map[Status]map[Status]bool{
	StatusReserved:  {StatusConfirmed: true, StatusReleased: true},
	StatusConfirmed: {},
	StatusReleased:  {},
}

func CanTransition(from, to Status) bool {
	return validNext[from][to]
}

func (s Status) Terminal() bool {
	return s == StatusConfirmed || s == StatusReleased
}
