package events

const (
	TopicPurchaseSettled    = "settlement.purchase.settled"
	TopicPurchaseAborted    = "settlement.purchase.aborted"
	TopicReservationExpired = "inventory.reservation.expired"
	TopicRestockRequired    = "inventory.restock.required"
	TopicCancelRequested    = "order.cancel.requested"
)

// PartitionKey keeps every event of one order (or attempt) on one partition.
func PartitionKey(id string) []byte { return []byte(id) }
