package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/blnkfinance/relay/internal/canonical"
)

// FlexibleID accepts both JSON strings and JSON numbers, since terminals send
// terminal_id and tenant_id either way.
type FlexibleID string

func (f *FlexibleID) UnmarshalJSON(data []byte) error {
	s := strings.TrimSpace(string(data))
	if s == "null" {
		*f = ""
		return nil
	}
	if strings.HasPrefix(s, `"`) {
		var str string
		if err := json.Unmarshal(data, &str); err != nil {
			return err
		}
		*f = FlexibleID(str)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("expected string or number id: %w", err)
	}
	*f = FlexibleID(n.String())
	return nil
}

// SubmissionEnvelope is the batch record a terminal sends around its transactions.
type SubmissionEnvelope struct {
	SubmissionUUID     string           `json:"submission_uuid"`
	TenantID           string           `json:"tenant_id"`
	TerminalID         string           `json:"terminal_id"`
	SubmissionTime     string           `json:"submission_timestamp"`
	TransactionCount   int              `json:"transaction_count"`
	SubmissionChecksum string           `json:"payload_checksum"`
	Status             SubmissionStatus `json:"status"`
	SubmittedAt        time.Time        `json:"submitted_at"`
	Result             *AdmissionResult `json:"result,omitempty"`
	CreatedAt          time.Time        `json:"created_at"`

	Raw map[string]any `json:"-"`
}

// Submission is an envelope together with the transactions it carries.
type Submission struct {
	Envelope     SubmissionEnvelope
	Transactions []*Transaction
}

// AdmissionResult is recorded with the envelope and returned unchanged on replays.
type AdmissionResult struct {
	SubmissionUUID   string           `json:"submission_uuid"`
	TenantID         string           `json:"tenant_id"`
	TerminalID       string           `json:"terminal_id"`
	Status           SubmissionStatus `json:"status"`
	TransactionCount int              `json:"transaction_count"`
	Accepted         []string         `json:"accepted_transaction_ids"`
	AlreadyAdmitted  []string         `json:"already_admitted_transaction_ids"`
	AdmittedAt       time.Time        `json:"admitted_at"`
	Replayed         bool             `json:"replayed"`
}

// CanonicalValue returns the document the envelope checksum covers: the whole request
// body minus checksum fields.
func (e *SubmissionEnvelope) CanonicalValue() any {
	if e.Raw != nil {
		return e.Raw
	}
	doc := map[string]any{
		"submission_uuid":   e.SubmissionUUID,
		"tenant_id":         e.TenantID,
		"terminal_id":       e.TerminalID,
		"transaction_count": e.TransactionCount,
	}
	if e.SubmissionTime != "" {
		doc["submission_timestamp"] = e.SubmissionTime
	}
	return doc
}

// CanonicalValue of a submission built in code embeds its transactions the way a
// terminal would send them.
func (s *Submission) CanonicalValue() any {
	if s.Envelope.Raw != nil {
		return s.Envelope.Raw
	}
	doc := s.Envelope.CanonicalValue().(map[string]any)
	txns := make([]any, 0, len(s.Transactions))
	for _, t := range s.Transactions {
		txns = append(txns, t.CanonicalValue())
	}
	doc["transactions"] = txns
	return doc
}

type submissionWire struct {
	SubmissionUUID   string            `json:"submission_uuid"`
	TenantID         FlexibleID        `json:"tenant_id"`
	TerminalID       FlexibleID        `json:"terminal_id"`
	SubmissionTime   string            `json:"submission_timestamp"`
	TransactionCount int               `json:"transaction_count"`
	PayloadChecksum  string            `json:"payload_checksum"`
	Transactions     []json.RawMessage `json:"transactions"`
}

// ParseSubmission decodes a request body into a typed submission while keeping the
// client's documents for checksum verification.
func ParseSubmission(body []byte) (*Submission, error) {
	rawDoc, err := canonical.Decode(body)
	if err != nil {
		return nil, fmt.Errorf("invalid submission body: %w", err)
	}

	var wire submissionWire
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, fmt.Errorf("invalid submission body: %w", err)
	}
	raw, ok := rawDoc.(map[string]any)
	if !ok {
		return nil, errors.New("invalid submission body: expected a JSON object")
	}

	sub := &Submission{
		Envelope: SubmissionEnvelope{
			SubmissionUUID:     strings.TrimSpace(wire.SubmissionUUID),
			TenantID:           string(wire.TenantID),
			TerminalID:         string(wire.TerminalID),
			SubmissionTime:     wire.SubmissionTime,
			TransactionCount:   wire.TransactionCount,
			SubmissionChecksum: wire.PayloadChecksum,
			Status:             SubmissionReceived,
			Raw:                raw,
		},
	}
	if ts, err := time.Parse(time.RFC3339Nano, wire.SubmissionTime); err == nil {
		sub.Envelope.SubmittedAt = ts.UTC()
	}

	rawTxns, _ := raw["transactions"].([]any)
	for i, data := range wire.Transactions {
		var txn Transaction
		if err := json.Unmarshal(data, &txn); err != nil {
			return nil, fmt.Errorf("invalid transaction at index %d: %w", i, err)
		}
		txn.TransactionID = strings.TrimSpace(txn.TransactionID)
		txn.SubmissionUUID = sub.Envelope.SubmissionUUID
		txn.TenantID = sub.Envelope.TenantID
		txn.TerminalID = sub.Envelope.TerminalID
		if i < len(rawTxns) {
			if doc, ok := rawTxns[i].(map[string]any); ok {
				txn.Raw = doc
			}
		}
		sub.Transactions = append(sub.Transactions, &txn)
	}
	return sub, nil
}
