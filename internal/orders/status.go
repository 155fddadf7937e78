package orders

type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusShipped   Status = "shipped"
	StatusDelivered Status = "delivered"
	StatusCancelled Status = "cancelled"
)

var validNext = map[Status]map[Status]bool{
	StatusPending:   {StatusConfirmed: true, StatusCancelled: true},
	StatusConfirmed: {StatusShipped: true, StatusCancelled: true},
	StatusShipped:   {StatusDelivered: true, StatusCancelled: true},
	StatusDelivered: {},
	StatusCancelled: {},
}

func CanTransition(from, to Status) bool {
	return validNext[from][to]
}

func (s Status) Valid() bool {
	_, ok := validNext[s]
	return ok
}

func (s Status) Terminal() bool {
	return s == StatusDelivered || s == StatusCancelled
}

// ReservationState tracks what the ledger currently holds for one line.
type ReservationState string

const (
	// Reserved: units are counted in product.reserved.
	LineReserved ReservationState = "reserved"
	// Committed: units were removed from on_hand at confirmation.
	LineCommitted ReservationState = "committed"
	// Released: nothing is held; either the reservation was released or the
	// committed units were restocked.
	LineReleased ReservationState = "released"
)
