package client_test

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/carbon-dna/ledger/internal/ledger"
	"github.com/carbon-dna/ledger/internal/records/handler"
	"github.com/carbon-dna/ledger/internal/records/repository"
	"github.com/carbon-dna/ledger/internal/records/service"
	"github.com/carbon-dna/ledger/pkg/client"
)

var ctx = context.Background()

// startServer runs the full API stack against an in-memory ledger.
func startServer(t *testing.T) *httptest.Server {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := gin.New()

	svc := service.New(ledger.New(), zap.NewNop())
	svc.SetAnnotationStore(repository.NewMemoryAnnotationStore())

	auth := handler.RequireIngestToken(nil, zap.NewNop())
	h := handler.NewRecordHandler(svc, auth, zap.NewNop())
	h.Register(r.Group("/api/v1"))

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func TestClient_appendAndVerify(t *testing.T) {
	srv := startServer(t)
	c := client.New(srv.URL)

	rec, err := c.AppendRecord(ctx, "acme", map[string]any{
		"scope": "scope_1", "emissions_tco2e": 42.5,
	})
	if err != nil {
		t.Fatal(err)
	}
	if rec.PrevHash != ledger.GenesisHash {
		t.Errorf("PrevHash = %q, want genesis", rec.PrevHash)
	}

	got, err := c.GetRecord(ctx, rec.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Hash != rec.Hash {
		t.Errorf("Hash = %q, want %q", got.Hash, rec.Hash)
	}

	res, err := c.VerifyRecord(ctx, rec.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !res.OK {
		t.Errorf("fresh record failed verification: %+v", res)
	}
}

func TestClient_chainAndHead(t *testing.T) {
	srv := startServer(t)
	c := client.New(srv.URL)

	var last *client.Record
	for i := 0; i < 3; i++ {
		rec, err := c.AppendRecord(ctx, "acme", map[string]any{"emissions": 100 + i})
		if err != nil {
			t.Fatal(err)
		}
		last = rec
	}

	head, err := c.Head(ctx, "acme")
	if err != nil {
		t.Fatal(err)
	}
	if head != last.Hash {
		t.Errorf("head = %q, want %q", head, last.Hash)
	}

	res, err := c.VerifyChain(ctx, "acme", uuid.Nil, uuid.Nil)
	if err != nil {
		t.Fatal(err)
	}
	if !res.OK || res.Checked != 3 {
		t.Errorf("chain verification: %+v", res)
	}
}

func TestClient_amend(t *testing.T) {
	srv := startServer(t)
	c := client.New(srv.URL)

	orig, err := c.AppendRecord(ctx, "acme", map[string]any{"emissions": 100})
	if err != nil {
		t.Fatal(err)
	}
	amended, err := c.AmendRecord(ctx, orig.ID, map[string]any{"emissions": 120})
	if err != nil {
		t.Fatal(err)
	}
	if amended.Payload["supersedes"] != orig.ID.String() {
		t.Errorf("missing supersedes reference: %v", amended.Payload)
	}
}

func TestClient_anchorLifecycle(t *testing.T) {
	srv := startServer(t)
	c := client.New(srv.URL)

	if _, err := c.AppendRecord(ctx, "acme", map[string]any{"emissions": 100}); err != nil {
		t.Fatal(err)
	}

	period := time.Now().UTC().Format("2006-01-02")
	anchor, err := c.AnchorPeriod(ctx, "acme", period)
	if err != nil {
		t.Fatal(err)
	}
	if anchor.RecordCount != 1 {
		t.Errorf("RecordCount = %d, want 1", anchor.RecordCount)
	}

	got, err := c.GetAnchor(ctx, "acme", period)
	if err != nil {
		t.Fatal(err)
	}
	if got.RootHash != anchor.RootHash {
		t.Errorf("RootHash = %q, want %q", got.RootHash, anchor.RootHash)
	}

	res, err := c.VerifyAnchor(ctx, "acme", period)
	if err != nil {
		t.Fatal(err)
	}
	if !res.OK {
		t.Errorf("anchor verification failed: %+v", res)
	}
}

func TestClient_annotations(t *testing.T) {
	srv := startServer(t)
	c := client.New(srv.URL)

	rec, err := c.AppendRecord(ctx, "acme", map[string]any{"emissions": 100})
	if err != nil {
		t.Fatal(err)
	}

	score := 90
	out, err := c.Annotate(ctx, &client.Annotation{
		RecordID:     rec.ID,
		QualityScore: &score,
		Flags:        []string{"metered"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if out.QualityScore == nil || *out.QualityScore != 90 {
		t.Errorf("QualityScore = %v", out.QualityScore)
	}

	got, err := c.GetAnnotation(ctx, rec.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Flags) != 1 || got.Flags[0] != "metered" {
		t.Errorf("Flags = %v", got.Flags)
	}
}

func TestClient_apiError(t *testing.T) {
	srv := startServer(t)
	c := client.New(srv.URL)

	_, err := c.GetRecord(ctx, uuid.New())
	var apiErr *client.APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != 404 {
		t.Errorf("expected 404 APIError, got %v", err)
	}
}
