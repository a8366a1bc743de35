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

package notification

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"

	"github.com/blnkfinance/relay/config"
	"github.com/blnkfinance/relay/internal/request"
)

// Alert is an operator facing message: a permanently failed forward, an exhausted
// transaction or a degraded health check.
type Alert struct {
	Event   string            `json:"event"`
	Title   string            `json:"title"`
	Message string            `json:"message"`
	Fields  map[string]string `json:"fields,omitempty"`
	Time    time.Time         `json:"time"`
}

// Notifier delivers alerts. Implementations must be safe for concurrent use.
type Notifier interface {
	Notify(ctx context.Context, alert Alert) error
}

// Client posts alerts to the Slack webhook and the generic webhook when configured.
// Each destination sits behind its own in-process breaker so an unreachable webhook
// is skipped for a while instead of being called for every alert.
type Client struct {
	slackURL       string
	webhookURL     string
	webhookHeaders map[string]string
	httpClient     *http.Client
	slackBreaker   *gobreaker.CircuitBreaker
	webhookBreaker *gobreaker.CircuitBreaker
}

func New(cfg config.Notification) *Client {
	return &Client{
		slackURL:       strings.TrimSpace(cfg.Slack.WebhookUrl),
		webhookURL:     strings.TrimSpace(cfg.Webhook.Url),
		webhookHeaders: cfg.Webhook.Headers,
		httpClient:     &http.Client{Timeout: 10 * time.Second},
		slackBreaker:   newDestinationBreaker("notification-slack"),
		webhookBreaker: newDestinationBreaker("notification-webhook"),
	}
}

func newDestinationBreaker(name string) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     time.Minute,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logrus.WithFields(logrus.Fields{"destination": name, "from": from.String(), "to": to.String()}).
				Warn("notification destination breaker changed state")
		},
	})
}

func (c *Client) Notify(ctx context.Context, alert Alert) error {
	if alert.Time.IsZero() {
		alert.Time = time.Now().UTC()
	}

	var errs []error
	if c.slackURL != "" {
		if err := c.deliver(ctx, c.slackBreaker, c.slackURL, slackPayload(alert), nil); err != nil {
			errs = append(errs, fmt.Errorf("slack: %w", err))
		}
	}
	if c.webhookURL != "" {
		if err := c.deliver(ctx, c.webhookBreaker, c.webhookURL, alert, c.webhookHeaders); err != nil {
			errs = append(errs, fmt.Errorf("webhook: %w", err))
		}
	}
	return errors.Join(errs...)
}

func (c *Client) deliver(ctx context.Context, cb *gobreaker.CircuitBreaker, url string, payload interface{}, headers map[string]string) error {
	_, err := cb.Execute(func() (interface{}, error) {
		return nil, c.post(ctx, url, payload, headers)
	})
	return err
}

func (c *Client) post(ctx context.Context, url string, payload interface{}, headers map[string]string) error {
	body, err := request.ToJsonReq(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return err
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	_, err = request.Call(c.httpClient, req, nil)
	return err
}

func slackPayload(alert Alert) json.RawMessage {
	fields := []map[string]string{
		{"type": "mrkdwn", "text": fmt.Sprintf("*Event:*\n%s", alert.Event)},
		{"type": "mrkdwn", "text": fmt.Sprintf("*Time:*\n%s", alert.Time.Format(time.RFC822))},
	}
	keys := make([]string, 0, len(alert.Fields))
	for k := range alert.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fields = append(fields, map[string]string{"type": "mrkdwn", "text": fmt.Sprintf("*%s:*\n%s", k, alert.Fields[k])})
	}

	blocks := []map[string]interface{}{
		{"type": "header", "text": map[string]interface{}{"type": "plain_text", "text": alert.Title + " 🐞", "emoji": true}},
		{"type": "section", "text": map[string]string{"type": "mrkdwn", "text": alert.Message}},
		{"type": "section", "fields": fields},
	}
	data, _ := json.Marshal(map[string]interface{}{"blocks": blocks})
	return data
}

// NotifyAsync logs the alert and delivers it in the background so callers on the
// forwarding or watchdog path never block on a webhook.
func NotifyAsync(n Notifier, alert Alert) {
	entry := logrus.WithFields(logrus.Fields{"event": alert.Event, "title": alert.Title})
	for k, v := range alert.Fields {
		entry = entry.WithField(k, v)
	}
	entry.Error(alert.Message)

	if n == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := n.Notify(ctx, alert); err != nil {
			logrus.WithError(err).WithField("event", alert.Event).Warn("failed to deliver alert")
		}
	}()
}
