package alerts

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
	"time"

	"go.uber.org/zap"

	"github.com/carbon-dna/ledger/internal/ledger"
)

// TamperEvent is the webhook payload posted when a verification run finds a
// broken chain, a recomputed-hash mismatch, or an anchor divergence.
type TamperEvent struct {
	Type      string    `json:"type"`
	Partition string    `json:"partition"`
	Reason    string    `json:"reason"`
	RecordID  string    `json:"record_id,omitempty"`
	Period    string    `json:"period,omitempty"`
	Checked   int       `json:"checked"`
	Timestamp time.Time `json:"timestamp"`
}

// MetricsRecorder is an optional callback for recording delivery outcomes.
type MetricsRecorder func(success bool)

// Notifier posts tamper events to a configured webhook endpoint, signing
// each delivery with HMAC-SHA256 over the request body.
type Notifier struct {
	url        string
	secret     string
	httpClient *http.Client
	onMetrics  MetricsRecorder
	logger     *zap.Logger
}

// NewNotifier creates a Notifier. An empty url disables delivery: Notify
// becomes a no-op, so callers never need to nil-check.
func NewNotifier(url, secret string, logger *zap.Logger) *Notifier {
	return &Notifier{
		url:        url,
		secret:     secret,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		logger:     logger,
	}
}

// SetMetricsRecorder configures the metrics callback.
func (n *Notifier) SetMetricsRecorder(fn MetricsRecorder) {
	n.onMetrics = fn
}

// Notify posts a tamper event built from a failed verification result.
// Matches the service.TamperCallback signature.
func (n *Notifier) Notify(ctx context.Context, partition string, res *ledger.VerificationResult) {
	if n.url == "" || res.OK {
		return
	}

	event := TamperEvent{
		Type:      "ledger.tamper_detected",
		Partition: partition,
		Reason:    res.Reason,
		Period:    res.Period,
		Checked:   res.Checked,
		Timestamp: time.Now().UTC(),
	}
	if res.RecordID != nil {
		event.RecordID = res.RecordID.String()
	}

	body, err := json.Marshal(event)
	if err != nil {
		n.logger.Error("alert: marshal event", zap.Error(err))
		return
	}

	success, errMsg := n.deliver(ctx, body)
	if n.onMetrics != nil {
		n.onMetrics(success)
	}
	if !success {
		n.logger.Warn("alert: delivery failed",
			zap.String("url", n.url),
			zap.String("error", errMsg),
		)
	}
}

func (n *Notifier) deliver(ctx context.Context, body []byte) (bool, string) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return false, err.Error()
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Ledger-Signature", signPayload(body, n.secret))

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return false, err.Error()
	}
	defer resp.Body.Close()
	io.ReadAll(io.LimitReader(resp.Body, 1024)) //nolint:errcheck

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return false, fmt.Sprintf("HTTP %d", resp.StatusCode)
	}
	return true, ""
}

// signPayload computes an HMAC-SHA256 signature over the delivery body.
func signPayload(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}
