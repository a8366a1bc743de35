package model

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

type Adjustment struct {
	Type   string          `json:"type"`
	Amount decimal.Decimal `json:"amount"`
	Reason string          `json:"reason,omitempty"`
}

type Tax struct {
	Name   string          `json:"name"`
	Rate   decimal.Decimal `json:"rate"`
	Amount decimal.Decimal `json:"amount"`
}

// Transaction is a single point-of-sale sale line received inside a submission envelope.
type Transaction struct {
	TransactionID        string                 `json:"transaction_id"`
	SubmissionUUID       string                 `json:"submission_uuid"`
	TenantID             string                 `json:"tenant_id"`
	TerminalID           string                 `json:"terminal_id"`
	TransactionTimestamp string                 `json:"transaction_timestamp"`
	Currency             string                 `json:"currency,omitempty"`
	BaseAmount           decimal.Decimal        `json:"base_amount"`
	DiscountAmount       decimal.Decimal        `json:"discount_amount"`
	TaxAmount            decimal.Decimal        `json:"tax_amount"`
	TotalAmount          decimal.Decimal        `json:"total_amount"`
	Adjustments          []Adjustment           `json:"adjustments"`
	Taxes                []Tax                  `json:"taxes"`
	MetaData             map[string]interface{} `json:"meta_data,omitempty"`
	TransactionChecksum  string                 `json:"payload_checksum"`
	ValidationStatus     ValidationStatus       `json:"validation_status"`
	JobStatus            JobStatus              `json:"job_status"`
	JobAttempts          int                    `json:"job_attempts"`
	LastError            string                 `json:"last_error,omitempty"`
	CreatedAt            time.Time              `json:"created_at"`
	CompletedAt          *time.Time             `json:"completed_at,omitempty"`

	// Payload is the canonical encoding of the transaction as it was received.
	Payload json.RawMessage `json:"-"`
	// Raw is the client document the checksum was computed over, when known.
	Raw map[string]any `json:"-"`
}

// CanonicalValue returns the document the transaction checksum covers. Transactions
// decoded from a request return the client's own document so that fields the relay
// does not model still count; transactions built in code return their typed fields.
func (t *Transaction) CanonicalValue() any {
	if t.Raw != nil {
		return t.Raw
	}
	doc := map[string]any{
		"transaction_id": t.TransactionID,
		"base_amount":    t.BaseAmount,
	}
	if t.TransactionTimestamp != "" {
		doc["transaction_timestamp"] = t.TransactionTimestamp
	}
	if t.Currency != "" {
		doc["currency"] = t.Currency
	}
	if !t.DiscountAmount.IsZero() {
		doc["discount_amount"] = t.DiscountAmount
	}
	if !t.TaxAmount.IsZero() {
		doc["tax_amount"] = t.TaxAmount
	}
	if !t.TotalAmount.IsZero() {
		doc["total_amount"] = t.TotalAmount
	}
	if len(t.Adjustments) > 0 {
		adjustments := make([]any, 0, len(t.Adjustments))
		for _, a := range t.Adjustments {
			item := map[string]any{"type": a.Type, "amount": a.Amount}
			if a.Reason != "" {
				item["reason"] = a.Reason
			}
			adjustments = append(adjustments, item)
		}
		doc["adjustments"] = adjustments
	}
	if len(t.Taxes) > 0 {
		taxes := make([]any, 0, len(t.Taxes))
		for _, tx := range t.Taxes {
			taxes = append(taxes, map[string]any{"name": tx.Name, "rate": tx.Rate, "amount": tx.Amount})
		}
		doc["taxes"] = taxes
	}
	if len(t.MetaData) > 0 {
		doc["meta_data"] = t.MetaData
	}
	return doc
}

// IsTerminal reports whether no further lifecycle transition can happen.
func (t *Transaction) IsTerminal() bool {
	return t.ValidationStatus.IsTerminal() || t.JobStatus.IsTerminal()
}

func (t *Transaction) ToJSON() ([]byte, error) {
	return json.Marshal(t)
}
