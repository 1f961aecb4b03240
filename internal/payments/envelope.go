package payments

import (
	"encoding/json"
	"fmt"

	"github.com/congo-pay/walletqueue/internal/transaction"
)

// Envelope is the JSON body of every payment message on the broker.
type Envelope struct {
	TransactionID string `json:"transaction_id"`
	WalletID      string `json:"wallet_id"`
	Amount        int64  `json:"amount"`
}

// EnvelopeFor builds the message body for tx.
func EnvelopeFor(tx transaction.Transaction) Envelope {
	return Envelope{TransactionID: tx.ID, WalletID: tx.WalletID, Amount: tx.Amount}
}

// Encode marshals the envelope.
func (e Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// DecodeEnvelope parses a message body and rejects envelopes missing ids.
func DecodeEnvelope(body []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(body, &e); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if e.TransactionID == "" || e.WalletID == "" {
		return Envelope{}, fmt.Errorf("decode envelope: transaction_id and wallet_id are required")
	}
	return e, nil
}
