// Package webhook delivers exam lifecycle events to external HTTP receivers
// such as a laboratory information system. Payloads are signed with
// HMAC-SHA256 and failed deliveries are retried.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	SignatureHeader = "X-Webhook-Signature"
	EventIDHeader   = "X-Webhook-Event-ID"
	TimestampHeader = "X-Webhook-Timestamp"
)

// Endpoint is a configured receiver. Events lists the subscribed event
// types; see Matches for the pattern syntax.
type Endpoint struct {
	URL    string
	Secret string
	Events []string
}

// Event is the JSON body posted to receivers. Type is "<kind>.<status>",
// for example "transition.results_available" or "undo.sent_to_lab".
type Event struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	ExamID    string          `json:"exam_id"`
	LabID     string          `json:"lab_id,omitempty"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// Delivery is the outcome of delivering one event to one endpoint.
type Delivery struct {
	URL        string        `json:"url"`
	EventID    string        `json:"event_id"`
	Attempts   int           `json:"attempts"`
	StatusCode int           `json:"status_code"`
	Success    bool          `json:"success"`
	Error      string        `json:"error,omitempty"`
	Duration   time.Duration `json:"duration_ns"`
}

// SignPayload computes an HMAC-SHA256 signature of the payload using the given secret,
// returning the hex-encoded result.
func SignPayload(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature returns true when the hex-encoded signature matches the HMAC-SHA256
// of payload under the given secret. A "sha256=" prefix is accepted.
func VerifySignature(payload []byte, secret, signature string) bool {
	expected := SignPayload(payload, secret)
	return hmac.Equal([]byte(expected), []byte(strings.TrimPrefix(signature, "sha256=")))
}

// Matches reports whether eventType satisfies pattern. Patterns are exact
// ("transition.completed"), "*", "kind.*" or "*.status".
func Matches(pattern, eventType string) bool {
	if pattern == "*" || pattern == eventType {
		return true
	}
	if strings.HasPrefix(pattern, "*.") {
		return strings.HasSuffix(eventType, pattern[1:])
	}
	if strings.HasSuffix(pattern, ".*") {
		return strings.HasPrefix(eventType, pattern[:len(pattern)-1])
	}
	return false
}

func (ep Endpoint) subscribes(eventType string) bool {
	for _, pat := range ep.Events {
		if Matches(pat, eventType) {
			return true
		}
	}
	return false
}

func validateURL(rawURL string) error {
	if rawURL == "" {
		return fmt.Errorf("url is required")
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return fmt.Errorf("url scheme must be http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("url %q has no host", rawURL)
	}
	return nil
}

// ParseEndpoints builds endpoints sharing one secret and subscription list.
// An empty events list subscribes to everything.
func ParseEndpoints(urls []string, secret string, events []string) ([]Endpoint, error) {
	if len(events) == 0 {
		events = []string{"*"}
	}
	endpoints := make([]Endpoint, 0, len(urls))
	for _, u := range urls {
		if err := validateURL(u); err != nil {
			return nil, err
		}
		endpoints = append(endpoints, Endpoint{URL: u, Secret: secret, Events: events})
	}
	return endpoints, nil
}

// Option configures a Notifier.
type Option func(*Notifier)

// WithHTTPClient overrides the default HTTP client used for deliveries.
func WithHTTPClient(c *http.Client) Option {
	return func(n *Notifier) { n.httpClient = c }
}

// WithMaxAttempts sets how many times a delivery is tried before giving up.
func WithMaxAttempts(attempts int) Option {
	return func(n *Notifier) { n.maxAttempts = attempts }
}

// WithRetryDelay sets the base delay between attempts. The delay doubles
// after every failure.
func WithRetryDelay(d time.Duration) Option {
	return func(n *Notifier) { n.retryDelay = d }
}

// Notifier posts events to every subscribed endpoint.
type Notifier struct {
	endpoints   []Endpoint
	httpClient  *http.Client
	maxAttempts int
	retryDelay  time.Duration
	log         zerolog.Logger
	inflight    sync.WaitGroup
}

func NewNotifier(endpoints []Endpoint, logger zerolog.Logger, opts ...Option) *Notifier {
	n := &Notifier{
		endpoints: endpoints,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		maxAttempts: 3,
		retryDelay:  time.Second,
		log:         logger.With().Str("component", "webhook").Logger(),
	}
	for _, o := range opts {
		o(n)
	}
	if n.maxAttempts < 1 {
		n.maxAttempts = 1
	}
	return n
}

func (n *Notifier) Endpoints() int {
	return len(n.endpoints)
}

// Deliver sends event to every subscribed endpoint and waits for the results.
func (n *Notifier) Deliver(ctx context.Context, event Event) []Delivery {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	payload, err := json.Marshal(event)
	if err != nil {
		n.log.Error().Err(err).Str("event", event.Type).Msg("marshal webhook event")
		return nil
	}

	var results []Delivery
	for _, ep := range n.endpoints {
		if !ep.subscribes(event.Type) {
			continue
		}
		results = append(results, n.deliverWithRetry(ctx, ep, event.ID, payload))
	}
	return results
}

// Dispatch delivers event in the background and logs failures. Wait blocks
// until all dispatched deliveries finish.
func (n *Notifier) Dispatch(event Event) {
	if len(n.endpoints) == 0 {
		return
	}
	n.inflight.Add(1)
	go func() {
		defer n.inflight.Done()
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		for _, d := range n.Deliver(ctx, event) {
			if !d.Success {
				n.log.Warn().Str("url", d.URL).Str("event_id", d.EventID).Int("attempts", d.Attempts).
					Str("error", d.Error).Msg("webhook delivery failed")
			}
		}
	}()
}

func (n *Notifier) Wait() {
	n.inflight.Wait()
}

func (n *Notifier) deliverWithRetry(ctx context.Context, ep Endpoint, eventID string, payload []byte) Delivery {
	delay := n.retryDelay
	var d Delivery
	for attempt := 1; attempt <= n.maxAttempts; attempt++ {
		d = n.deliverOnce(ctx, ep, eventID, payload)
		d.Attempts = attempt
		if d.Success || (d.StatusCode >= 400 && d.StatusCode < 500) {
			return d
		}
		if attempt == n.maxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			d.Error = ctx.Err().Error()
			return d
		case <-time.After(delay):
		}
		delay *= 2
	}
	return d
}

func (n *Notifier) deliverOnce(ctx context.Context, ep Endpoint, eventID string, payload []byte) Delivery {
	d := Delivery{URL: ep.URL, EventID: eventID}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.URL, bytes.NewReader(payload))
	if err != nil {
		d.Error = err.Error()
		return d
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SignatureHeader, "sha256="+SignPayload(payload, ep.Secret))
	req.Header.Set(EventIDHeader, eventID)
	req.Header.Set(TimestampHeader, time.Now().UTC().Format(time.RFC3339))

	start := time.Now()
	resp, err := n.httpClient.Do(req)
	d.Duration = time.Since(start)
	if err != nil {
		d.Error = err.Error()
		return d
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))

	d.StatusCode = resp.StatusCode
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		d.Success = true
	} else {
		d.Error = fmt.Sprintf("non-2xx response: %d", resp.StatusCode)
	}
	return d
}
