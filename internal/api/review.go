package api

import (
	"context"
	"embed"
	"errors"
	"html/template"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/disappointingsupernova/access-review/internal/auth"
	"github.com/disappointingsupernova/access-review/internal/db/models"
	"github.com/disappointingsupernova/access-review/internal/db/repositories"
	"github.com/disappointingsupernova/access-review/internal/review"
	"github.com/disappointingsupernova/access-review/internal/trail"
)

//go:embed templates/*.html
var templateFS embed.FS

var pageTemplates = template.Must(template.ParseFS(templateFS, "templates/*.html"))

// ReviewService is the engine surface the HTTP handlers drive.
type ReviewService interface {
	ResolveToken(ctx context.Context, token string, prov trail.Provenance) (*review.TokenResolution, error)
	SubmitRemoval(ctx context.Context, token string, requested []string, prov trail.Provenance) (*review.Decision, error)
	Approve(ctx context.Context, token string, prov trail.Provenance) (*review.Decision, error)
	Outstanding(ctx context.Context, managerEmail string, prov trail.Provenance) ([]*models.AuditRecord, error)
	IsOverdue(rec *models.AuditRecord) bool
}

// ReviewHandlers renders the review pages. Every page is server-rendered
// HTML; the service has no JSON API for review actions.
type ReviewHandlers struct {
	engine ReviewService
}

// NewReviewHandlers creates the handler set over the given engine.
func NewReviewHandlers(engine ReviewService) *ReviewHandlers {
	return &ReviewHandlers{engine: engine}
}

type queueRow struct {
	Record  *models.AuditRecord
	Overdue bool
}

type queuePage struct {
	Reviewer auth.Principal
	Rows     []queueRow
}

type recordPage struct {
	Record *models.AuditRecord
	Groups []string
	Token  string
}

type decisionPage struct {
	Record *models.AuditRecord
	// Removed is non-empty when the decision flagged groups for removal.
	Removed []string
	// AlreadyResolved is true when this request re-visited (or raced) an
	// earlier decision rather than recording one.
	AlreadyResolved bool
}

type validationPage struct {
	Record  *models.AuditRecord
	Unknown []string
	Token   string
}

// Show handles GET / and GET /review. Without a token it lists the
// authenticated manager's outstanding reviews; with a token it shows the
// gated record — a decision form while pending, a read-only view once
// resolved. ?action=approve on a pending record takes the one-click approve
// path from the invitation email.
func (h *ReviewHandlers) Show(c *gin.Context) {
	token := c.Query("token")
	prov := provenanceFrom(c)

	if token == "" {
		h.showQueue(c, prov)
		return
	}

	res, err := h.engine.ResolveToken(c.Request.Context(), token, prov)
	if err != nil {
		h.renderFailure(c, err)
		return
	}

	switch res.Status {
	case review.TokenInvalid:
		c.HTML(http.StatusNotFound, "invalid.html", nil)
	case review.TokenResolved:
		c.HTML(http.StatusOK, "decision.html", decisionPage{
			Record:          res.Record,
			Removed:         res.Record.Changes,
			AlreadyResolved: true,
		})
	case review.TokenPending:
		if c.Query("action") == "approve" {
			h.approve(c, token, prov)
			return
		}
		c.HTML(http.StatusOK, "record.html", recordPage{
			Record: res.Record,
			Groups: res.Groups,
			Token:  token,
		})
	default:
		h.showQueue(c, prov)
	}
}

// Submit handles POST /review: the decision form. The multi-valued
// remove_groups field carries the groups the reviewer flagged; an empty
// selection approves the access as-is.
func (h *ReviewHandlers) Submit(c *gin.Context) {
	token := c.Query("token")
	if token == "" {
		c.HTML(http.StatusNotFound, "invalid.html", nil)
		return
	}
	prov := provenanceFrom(c)
	requested := c.PostFormArray("remove_groups")

	decision, err := h.engine.SubmitRemoval(c.Request.Context(), token, requested, prov)
	h.renderDecision(c, decision, err, token)
}

func (h *ReviewHandlers) approve(c *gin.Context, token string, prov trail.Provenance) {
	decision, err := h.engine.Approve(c.Request.Context(), token, prov)
	h.renderDecision(c, decision, err, token)
}

func (h *ReviewHandlers) renderDecision(c *gin.Context, decision *review.Decision, err error, token string) {
	var verr *review.ValidationError
	switch {
	case errors.Is(err, repositories.ErrNotFound):
		c.HTML(http.StatusNotFound, "invalid.html", nil)
	case errors.As(err, &verr):
		// The submission named groups outside the recorded membership; it was
		// rejected whole and nothing was persisted.
		c.HTML(http.StatusUnprocessableEntity, "validation.html", validationPage{
			Unknown: verr.Unknown,
			Token:   token,
		})
	case err != nil:
		h.renderFailure(c, err)
	default:
		c.HTML(http.StatusOK, "decision.html", decisionPage{
			Record:          decision.Record,
			Removed:         decision.Removed,
			AlreadyResolved: decision.AlreadyResolved,
		})
	}
}

func (h *ReviewHandlers) showQueue(c *gin.Context, prov trail.Provenance) {
	principal, _ := auth.PrincipalFrom(c)
	records, err := h.engine.Outstanding(c.Request.Context(), principal.Email, prov)
	if err != nil {
		h.renderFailure(c, err)
		return
	}

	rows := make([]queueRow, 0, len(records))
	for _, rec := range records {
		rows = append(rows, queueRow{Record: rec, Overdue: h.engine.IsOverdue(rec)})
	}
	c.HTML(http.StatusOK, "queue.html", queuePage{Reviewer: principal, Rows: rows})
}

// renderFailure shows the generic failure page. The underlying error goes to
// the log, never to the browser.
func (h *ReviewHandlers) renderFailure(c *gin.Context, err error) {
	slog.Error("review page failed", "path", c.Request.URL.Path, "error", err)
	c.HTML(http.StatusInternalServerError, "error.html", nil)
}

func provenanceFrom(c *gin.Context) trail.Provenance {
	principal, _ := auth.PrincipalFrom(c)
	return trail.Provenance{
		ActorEmail: principal.Email,
		IPAddress:  c.ClientIP(),
		UserAgent:  c.Request.UserAgent(),
	}
}
