package payment

type Status string

const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
	StatusCancelled  Status = "CANCELLED"
	StatusRefunded   Status = "REFUNDED"
)

// A payment reaches Completed or Failed once; only Completed may go on to
// Refunded.
var validNext = map[Status]map[Status]bool{
	StatusPending:    {StatusCompleted: true, StatusFailed: true, StatusCancelled: true},
	StatusProcessing: {StatusCompleted: true, StatusFailed: true},
	StatusCompleted:  {StatusRefunded: true},
	StatusFailed:     {},
	StatusCancelled:  {},
	StatusRefunded:   {},
}

func CanTransition(from, to Status) bool {
	return validNext[from][to]
}

type Method string

const (
	MethodCreditCard     Method = "CREDIT_CARD"
	MethodDebitCard      Method = "DEBIT_CARD"
	MethodPayPal         Method = "PAYPAL"
	MethodStripe         Method = "STRIPE"
	MethodBankTransfer   Method = "BANK_TRANSFER"
	MethodCashOnDelivery Method = "CASH_ON_DELIVERY"
)

func (m Method) Valid() bool {
	switch m {
	case MethodCreditCard, MethodDebitCard, MethodPayPal, MethodStripe, MethodBankTransfer, MethodCashOnDelivery:
		return true
	}
	return false
}

// Deferred methods are confirmed out of band and never reach the gateway.
func (m Method) Deferred() bool {
	return m == MethodBankTransfer || m == MethodCashOnDelivery
}
