package types

import "time"

// EventType names a fulfillment outcome delivered to the notifier.
type EventType string

const (
	EventPaymentConfirmation  EventType = "payment_confirmation"
	EventSaleConfirmation     EventType = "sale_confirmation"
	EventPurchaseConfirmation EventType = "purchase_confirmation"

	// EventGatedUnlock is reserved for notifiers; nothing here emits it.
	EventGatedUnlock EventType = "gated_unlock"
)

// Event is emitted after a successful grant or purchase. Entitlement events
// carry Tier and AccessUntil; marketplace events carry Item and ReceiptRef.
type Event struct {
	Type        EventType  `json:"type"`
	Recipient   string     `json:"recipient"`
	Tier        string     `json:"tier,omitempty"`
	Item        string     `json:"item,omitempty"`
	Amount      string     `json:"amount"`
	Network     Network    `json:"network"`
	Tx          string     `json:"tx,omitempty"`
	AccessUntil *time.Time `json:"accessUntil,omitempty"`
	ReceiptRef  string     `json:"receiptRef,omitempty"`
	Buyer       string     `json:"buyer,omitempty"`
}
