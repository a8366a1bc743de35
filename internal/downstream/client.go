/*
Copyright 2024 Blnk Finance Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package downstream

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/blnkfinance/relay/config"
	"github.com/blnkfinance/relay/internal/request"
	"github.com/blnkfinance/relay/model"
)

var tracer = otel.Tracer("relay.downstream")

// ErrNotConfigured is returned when no downstream URL is set.
var ErrNotConfigured = errors.New("downstream url is not configured")

// Sender delivers one transaction to the downstream application.
type Sender interface {
	Send(ctx context.Context, txn *model.Transaction) error
}

// Payload is the body posted downstream.
type Payload struct {
	TransactionID        string                 `json:"transaction_id"`
	SubmissionUUID       string                 `json:"submission_uuid"`
	TenantID             string                 `json:"tenant_id"`
	TerminalID           string                 `json:"terminal_id"`
	TransactionTimestamp string                 `json:"transaction_timestamp"`
	Currency             string                 `json:"currency,omitempty"`
	BaseAmount           string                 `json:"base_amount"`
	DiscountAmount       string                 `json:"discount_amount"`
	TaxAmount            string                 `json:"tax_amount"`
	TotalAmount          string                 `json:"total_amount"`
	Adjustments          []model.Adjustment     `json:"adjustments"`
	Taxes                []model.Tax            `json:"taxes"`
	MetaData             map[string]interface{} `json:"meta_data,omitempty"`
	PayloadChecksum      string                 `json:"payload_checksum"`
	CompletedAt          *time.Time             `json:"completed_at,omitempty"`
}

func NewPayload(txn *model.Transaction) Payload {
	return Payload{
		TransactionID:        txn.TransactionID,
		SubmissionUUID:       txn.SubmissionUUID,
		TenantID:             txn.TenantID,
		TerminalID:           txn.TerminalID,
		TransactionTimestamp: txn.TransactionTimestamp,
		Currency:             txn.Currency,
		BaseAmount:           txn.BaseAmount.String(),
		DiscountAmount:       txn.DiscountAmount.String(),
		TaxAmount:            txn.TaxAmount.String(),
		TotalAmount:          txn.TotalAmount.String(),
		Adjustments:          txn.Adjustments,
		Taxes:                txn.Taxes,
		MetaData:             txn.MetaData,
		PayloadChecksum:      txn.TransactionChecksum,
		CompletedAt:          txn.CompletedAt,
	}
}

// Client posts transactions over HTTP. A call that exceeds the configured timeout
// fails like any other error.
type Client struct {
	url        string
	headers    map[string]string
	httpClient *http.Client
}

func NewClient(cfg config.ForwardingConfig) *Client {
	return &Client{
		url:     strings.TrimSpace(cfg.Url),
		headers: cfg.Headers,
		httpClient: &http.Client{Timeout: cfg.Timeout()},
	}
}

func (c *Client) Send(ctx context.Context, txn *model.Transaction) error {
	ctx, span := tracer.Start(ctx, "downstream.Send")
	defer span.End()
	span.SetAttributes(attribute.String("transaction.id", txn.TransactionID))

	if c.url == "" {
		return ErrNotConfigured
	}

	body, err := request.ToJsonReq(NewPayload(txn))
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}
	req.Header.Set("Idempotency-Key", txn.TransactionID)
	req.Header.Set("X-Payload-Checksum", txn.TransactionChecksum)

	started := time.Now()
	resp, err := request.Call(c.httpClient, req, nil)
	fields := logrus.Fields{
		"transaction_id": txn.TransactionID,
		"url":            c.url,
		"duration_ms":    time.Since(started).Milliseconds(),
	}
	if resp != nil {
		fields["status_code"] = resp.StatusCode
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logrus.WithFields(fields).WithError(err).Debug("downstream call failed")
		return err
	}
	logrus.WithFields(fields).Debug("downstream call succeeded")
	return nil
}
