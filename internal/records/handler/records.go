package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/carbon-dna/ledger/internal/ledger"
	"github.com/carbon-dna/ledger/internal/records/model"
	"github.com/carbon-dna/ledger/internal/records/repository"
	"github.com/carbon-dna/ledger/internal/records/service"
)

// RecordHandler exposes the ledger's HTTP endpoints. Reads are public;
// writes require an ingest token when an issuer is configured.
type RecordHandler struct {
	svc    *service.RecordService
	auth   gin.HandlerFunc
	logger *zap.Logger
}

// NewRecordHandler creates a RecordHandler. auth guards the write routes;
// pass RequireIngestToken(nil) only in development setups.
func NewRecordHandler(svc *service.RecordService, auth gin.HandlerFunc, logger *zap.Logger) *RecordHandler {
	return &RecordHandler{svc: svc, auth: auth, logger: logger}
}

// Register mounts the record, partition, and annotation routes on rg.
func (h *RecordHandler) Register(rg *gin.RouterGroup) {
	r := rg.Group("/records")
	{
		r.POST("", h.auth, h.Append)
		r.POST("/:id/amend", h.auth, h.Amend)
		r.GET("/:id", h.Get)
		r.GET("/:id/verify", h.VerifyRecord)
	}

	p := rg.Group("/partitions")
	{
		p.GET("/:partition/head", h.Head)
		p.GET("/:partition/verify", h.VerifyChain)
		p.POST("/:partition/anchors/:period", h.auth, h.Anchor)
		p.GET("/:partition/anchors/:period", h.GetAnchor)
		p.GET("/:partition/anchors/:period/verify", h.VerifyAnchor)
	}

	a := rg.Group("/annotations")
	{
		a.GET("/:id", h.GetAnnotation)
		a.PUT("/:id", h.auth, h.PutAnnotation)
	}
}

type appendRequest struct {
	Partition string         `json:"partition" binding:"required"`
	Payload   map[string]any `json:"payload" binding:"required"`
}

// Append handles POST /records.
func (h *RecordHandler) Append(c *gin.Context) {
	var req appendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	rec, err := h.svc.Append(c.Request.Context(), req.Partition, ledger.FieldMap(req.Payload))
	if err != nil {
		h.writeError(c, "append record", err)
		return
	}
	RecordAppend()
	c.JSON(http.StatusCreated, rec)
}

type amendRequest struct {
	Payload map[string]any `json:"payload" binding:"required"`
}

// Amend handles POST /records/:id/amend. The superseded record's partition is
// resolved from storage; the amendment lands on the same chain.
func (h *RecordHandler) Amend(c *gin.Context) {
	id, ok := h.recordID(c)
	if !ok {
		return
	}
	var req amendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	orig, err := h.svc.Get(c.Request.Context(), id)
	if err != nil {
		h.writeError(c, "resolve amended record", err)
		return
	}

	rec, err := h.svc.Amend(c.Request.Context(), orig.Partition, id, ledger.FieldMap(req.Payload))
	if err != nil {
		h.writeError(c, "amend record", err)
		return
	}
	RecordAppend()
	c.JSON(http.StatusCreated, rec)
}

// Get handles GET /records/:id.
func (h *RecordHandler) Get(c *gin.Context) {
	id, ok := h.recordID(c)
	if !ok {
		return
	}
	rec, err := h.svc.Get(c.Request.Context(), id)
	if err != nil {
		h.writeError(c, "get record", err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

// VerifyRecord handles GET /records/:id/verify.
func (h *RecordHandler) VerifyRecord(c *gin.Context) {
	id, ok := h.recordID(c)
	if !ok {
		return
	}
	res, err := h.svc.VerifyRecord(c.Request.Context(), id)
	if err != nil {
		h.writeError(c, "verify record", err)
		return
	}
	RecordVerification("record", res)
	c.JSON(http.StatusOK, res)
}

// Head handles GET /partitions/:partition/head.
func (h *RecordHandler) Head(c *gin.Context) {
	head, err := h.svc.Head(c.Request.Context(), c.Param("partition"))
	if err != nil {
		h.writeError(c, "read chain head", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"partition": c.Param("partition"), "head": head})
}

// VerifyChain handles GET /partitions/:partition/verify with optional
// from_id/to_id query parameters bounding the range.
func (h *RecordHandler) VerifyChain(c *gin.Context) {
	fromID, ok := h.queryID(c, "from_id")
	if !ok {
		return
	}
	toID, ok := h.queryID(c, "to_id")
	if !ok {
		return
	}

	res, err := h.svc.VerifyChain(c.Request.Context(), c.Param("partition"), fromID, toID)
	if err != nil {
		h.writeError(c, "verify chain", err)
		return
	}
	RecordVerification("chain", res)
	c.JSON(http.StatusOK, res)
}

// Anchor handles POST /partitions/:partition/anchors/:period.
func (h *RecordHandler) Anchor(c *gin.Context) {
	anchor, err := h.svc.AnchorPeriod(c.Request.Context(), c.Param("partition"), c.Param("period"))
	if err != nil {
		h.writeError(c, "anchor period", err)
		return
	}
	RecordAnchor()
	c.JSON(http.StatusCreated, anchor)
}

// GetAnchor handles GET /partitions/:partition/anchors/:period.
func (h *RecordHandler) GetAnchor(c *gin.Context) {
	anchor, err := h.svc.GetAnchor(c.Request.Context(), c.Param("partition"), c.Param("period"))
	if err != nil {
		h.writeError(c, "get anchor", err)
		return
	}
	c.JSON(http.StatusOK, anchor)
}

// VerifyAnchor handles GET /partitions/:partition/anchors/:period/verify.
func (h *RecordHandler) VerifyAnchor(c *gin.Context) {
	res, err := h.svc.VerifyAnchor(c.Request.Context(), c.Param("partition"), c.Param("period"))
	if err != nil {
		h.writeError(c, "verify anchor", err)
		return
	}
	RecordVerification("anchor", res)
	c.JSON(http.StatusOK, res)
}

type annotationRequest struct {
	QualityScore   *int     `json:"quality_score"`
	UncertaintyPct *float64 `json:"uncertainty_pct"`
	Flags          []string `json:"flags"`
	Notes          string   `json:"notes"`
}

// PutAnnotation handles PUT /annotations/:id.
func (h *RecordHandler) PutAnnotation(c *gin.Context) {
	id, ok := h.recordID(c)
	if !ok {
		return
	}
	var req annotationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	a := &model.Annotation{
		RecordID:       id,
		QualityScore:   req.QualityScore,
		UncertaintyPct: req.UncertaintyPct,
		Flags:          req.Flags,
		Notes:          req.Notes,
	}
	if err := h.svc.Annotate(c.Request.Context(), a); err != nil {
		h.writeError(c, "annotate record", err)
		return
	}
	c.JSON(http.StatusOK, a)
}

// GetAnnotation handles GET /annotations/:id.
func (h *RecordHandler) GetAnnotation(c *gin.Context) {
	id, ok := h.recordID(c)
	if !ok {
		return
	}
	a, err := h.svc.GetAnnotation(c.Request.Context(), id)
	if err != nil {
		h.writeError(c, "get annotation", err)
		return
	}
	c.JSON(http.StatusOK, a)
}

func (h *RecordHandler) recordID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id must be a UUID"})
		return uuid.Nil, false
	}
	return id, true
}

func (h *RecordHandler) queryID(c *gin.Context, name string) (uuid.UUID, bool) {
	raw := c.Query(name)
	if raw == "" {
		return uuid.Nil, true
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": name + " must be a UUID"})
		return uuid.Nil, false
	}
	return id, true
}

// writeError maps ledger errors onto HTTP statuses. Integrity failures are
// 5xx: they require investigation, not a client-side fix.
func (h *RecordHandler) writeError(c *gin.Context, op string, err error) {
	var cerr *ledger.CanonicalizationError
	var herr *ledger.HashInputError

	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, ledger.ErrRecordNotFound),
		errors.Is(err, ledger.ErrPartitionNotFound),
		errors.Is(err, ledger.ErrAnchorNotFound),
		errors.Is(err, repository.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, ledger.ErrHeadConflict):
		RecordAppendConflict()
		status = http.StatusConflict
	case errors.Is(err, ledger.ErrAnchorClosed):
		status = http.StatusConflict
	case errors.Is(err, ledger.ErrEmptyPeriod):
		status = http.StatusUnprocessableEntity
	case errors.As(err, &cerr), errors.As(err, &herr):
		status = http.StatusUnprocessableEntity
	}

	if status == http.StatusInternalServerError {
		h.logger.Error(op, zap.Error(err))
		c.JSON(status, gin.H{"error": "internal error"})
		return
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
