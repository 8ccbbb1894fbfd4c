package alerts_test

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/carbon-dna/ledger/internal/alerts"
	"github.com/carbon-dna/ledger/internal/ledger"
)

func TestNotify_deliversSignedEvent(t *testing.T) {
	const secret = "alert-secret"

	var gotSig string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSig = r.Header.Get("X-Ledger-Signature")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	n := alerts.NewNotifier(srv.URL, secret, zap.NewNop())
	var success *bool
	n.SetMetricsRecorder(func(ok bool) { success = &ok })

	id := uuid.New()
	n.Notify(context.Background(), "acme", &ledger.VerificationResult{
		OK:       false,
		Reason:   ledger.ReasonHashMismatch,
		RecordID: &id,
		Checked:  3,
	})

	if success == nil || !*success {
		t.Fatal("delivery should have been recorded as successful")
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(gotBody)
	want := "sha256=" + hex.EncodeToString(mac.Sum(nil))
	if gotSig != want {
		t.Errorf("signature = %q, want %q", gotSig, want)
	}

	var event alerts.TamperEvent
	if err := json.Unmarshal(gotBody, &event); err != nil {
		t.Fatal(err)
	}
	if event.Type != "ledger.tamper_detected" || event.Partition != "acme" ||
		event.Reason != ledger.ReasonHashMismatch || event.RecordID != id.String() {
		t.Errorf("unexpected event: %+v", event)
	}
}

func TestNotify_skipsCleanResults(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("clean result should not be delivered")
	}))
	defer srv.Close()

	n := alerts.NewNotifier(srv.URL, "s", zap.NewNop())
	n.Notify(context.Background(), "acme", &ledger.VerificationResult{OK: true})
}

func TestNotify_disabledWithoutURL(t *testing.T) {
	n := alerts.NewNotifier("", "s", zap.NewNop())
	var called bool
	n.SetMetricsRecorder(func(bool) { called = true })

	n.Notify(context.Background(), "acme", &ledger.VerificationResult{OK: false, Reason: ledger.ReasonChainBreak})
	if called {
		t.Error("disabled notifier should not attempt delivery")
	}
}

func TestNotify_reportsFailedDelivery(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	n := alerts.NewNotifier(srv.URL, "s", zap.NewNop())
	var success *bool
	n.SetMetricsRecorder(func(ok bool) { success = &ok })

	n.Notify(context.Background(), "acme", &ledger.VerificationResult{OK: false, Reason: ledger.ReasonChainBreak})
	if success == nil || *success {
		t.Error("5xx delivery should be recorded as failed")
	}
}
