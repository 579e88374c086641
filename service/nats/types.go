package nats

import (
	"time"

	"github.com/brojonat/tokenpay/service/db"
)

// Event types carried in SettlementEvent.Type.
const (
	EventCompleted  = "completed"
	EventFailed     = "failed"
	EventUnknown    = "unknown"
	EventReconciled = "reconciled"
)

// SettlementEvent is published to "settlements.{wallet}" whenever a
// settlement reaches a terminal or unknown state.
type SettlementEvent struct {
	Type             string `json:"type"`
	Method           string `json:"method"`
	PaymentReference string `json:"payment_reference"`
	Wallet           string `json:"wallet"`

	AmountUSD string `json:"amount_usd,omitempty"`
	Tokens    string `json:"tokens,omitempty"`
	Signature string `json:"signature,omitempty"`
	Error     string `json:"error,omitempty"`

	Timestamp   time.Time `json:"timestamp"`
	PublishedAt time.Time `json:"published_at"`
}

// FromSettlement converts a settlement row into an event of the given type.
func FromSettlement(st *db.Settlement, eventType string) *SettlementEvent {
	event := &SettlementEvent{
		Type:             eventType,
		Method:           st.Method,
		PaymentReference: st.PaymentReference,
		Wallet:           st.BuyerWallet,
		Timestamp:        st.UpdatedAt,
		PublishedAt:      time.Now().UTC(),
	}
	if st.AmountUSD != nil {
		event.AmountUSD = st.AmountUSD.String()
	}
	if st.Quantity != nil {
		event.Tokens = st.Quantity.String()
	}
	if st.Signature != nil {
		event.Signature = *st.Signature
	}
	if st.Error != nil {
		event.Error = *st.Error
	}
	return event
}

// Subject returns the subject an event for wallet is published on. An empty
// wallet yields the wildcard covering all wallets.
func Subject(wallet string) string {
	if wallet == "" {
		return StreamSubjects
	}
	return SubjectPrefix + wallet
}
