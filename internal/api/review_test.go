package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/disappointingsupernova/access-review/internal/auth"
	"github.com/disappointingsupernova/access-review/internal/db/models"
	"github.com/disappointingsupernova/access-review/internal/db/repositories"
	"github.com/disappointingsupernova/access-review/internal/review"
	"github.com/disappointingsupernova/access-review/internal/trail"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// fakeEngine is a scripted ReviewService that records what it was asked.
type fakeEngine struct {
	resolution *review.TokenResolution
	resolveErr error

	decision  *review.Decision
	submitErr error

	outstanding    []*models.AuditRecord
	outstandingErr error
	overdue        map[uuid.UUID]bool

	lastToken     string
	lastRequested []string
	approveCalled bool
}

func (f *fakeEngine) ResolveToken(_ context.Context, token string, _ trail.Provenance) (*review.TokenResolution, error) {
	f.lastToken = token
	return f.resolution, f.resolveErr
}

func (f *fakeEngine) SubmitRemoval(_ context.Context, token string, requested []string, _ trail.Provenance) (*review.Decision, error) {
	f.lastToken = token
	f.lastRequested = requested
	return f.decision, f.submitErr
}

func (f *fakeEngine) Approve(ctx context.Context, token string, prov trail.Provenance) (*review.Decision, error) {
	f.approveCalled = true
	return f.SubmitRemoval(ctx, token, nil, prov)
}

func (f *fakeEngine) Outstanding(_ context.Context, _ string, _ trail.Provenance) ([]*models.AuditRecord, error) {
	return f.outstanding, f.outstandingErr
}

func (f *fakeEngine) IsOverdue(rec *models.AuditRecord) bool {
	return f.overdue[rec.ID]
}

// newReviewRouter wires the handlers behind a static test principal, the way
// the dev-mode session middleware would.
func newReviewRouter(engine ReviewService) *gin.Engine {
	r := gin.New()
	r.SetHTMLTemplate(pageTemplates)
	r.Use(func(c *gin.Context) {
		auth.SetPrincipal(c, auth.Principal{Email: "manager@example.com", DisplayName: "Morgan Manager"})
		c.Next()
	})
	h := NewReviewHandlers(engine)
	r.GET("/", h.Show)
	r.GET("/review", h.Show)
	r.POST("/review", h.Submit)
	return r
}

func pendingRecord() *models.AuditRecord {
	return &models.AuditRecord{
		ID:           uuid.New(),
		Username:     "jdoe",
		ManagerEmail: "manager@example.com",
		Secret:       "secret-token-value-that-is-long-enough",
		AuditDate:    time.Now().Add(-48 * time.Hour),
		SubjectName:  "Jane Doe",
	}
}

func get(r *gin.Engine, target string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	r.ServeHTTP(w, req)
	return w
}

func postForm(r *gin.Engine, target string, form url.Values) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, target, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	r.ServeHTTP(w, req)
	return w
}

// ---------------------------------------------------------------------------
// Queue
// ---------------------------------------------------------------------------

func TestShow_NoToken_RendersQueue(t *testing.T) {
	rec := pendingRecord()
	overdueRec := pendingRecord()
	overdueRec.SubjectName = "Olly Overdue"

	engine := &fakeEngine{
		outstanding: []*models.AuditRecord{rec, overdueRec},
		overdue:     map[uuid.UUID]bool{overdueRec.ID: true},
	}
	r := newReviewRouter(engine)

	w := get(r, "/")
	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.Contains(t, body, "Jane Doe")
	assert.Contains(t, body, "Olly Overdue")
	assert.Contains(t, body, "Morgan Manager")
	assert.Equal(t, 1, strings.Count(body, ">overdue</span>"))
}

func TestShow_NoToken_EmptyQueue(t *testing.T) {
	r := newReviewRouter(&fakeEngine{})

	w := get(r, "/review")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "No reviews are waiting")
}

func TestShow_QueueFailure_RendersGenericError(t *testing.T) {
	engine := &fakeEngine{outstandingErr: assert.AnError}
	r := newReviewRouter(engine)

	w := get(r, "/")
	require.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), "Something went wrong")
	assert.NotContains(t, w.Body.String(), assert.AnError.Error())
}

// ---------------------------------------------------------------------------
// Token views
// ---------------------------------------------------------------------------

func TestShow_InvalidToken_NotFoundPage(t *testing.T) {
	engine := &fakeEngine{resolution: &review.TokenResolution{Status: review.TokenInvalid}}
	r := newReviewRouter(engine)

	w := get(r, "/review?token=bogus")
	require.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), "not recognised")
	assert.Equal(t, "bogus", engine.lastToken)
}

func TestShow_PendingToken_RendersForm(t *testing.T) {
	rec := pendingRecord()
	engine := &fakeEngine{resolution: &review.TokenResolution{
		Status: review.TokenPending,
		Record: rec,
		Groups: []string{"SG_AWS_Admins", "SG_AWS_ReadOnly"},
	}}
	r := newReviewRouter(engine)

	w := get(r, "/review?token=tok123")
	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.Contains(t, body, "Jane Doe")
	assert.Contains(t, body, "SG_AWS_Admins")
	assert.Contains(t, body, "SG_AWS_ReadOnly")
	assert.Contains(t, body, `name="remove_groups"`)
	assert.Contains(t, body, "/review?token=tok123")
}

func TestShow_ResolvedToken_ReadOnlyView(t *testing.T) {
	rec := pendingRecord()
	reviewed := time.Now().Add(-time.Hour)
	rec.DateReviewed = &reviewed
	rec.Changes = models.GroupList{"SG_AWS_Admins"}

	engine := &fakeEngine{resolution: &review.TokenResolution{Status: review.TokenResolved, Record: rec}}
	r := newReviewRouter(engine)

	w := get(r, "/review?token=tok123")
	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.Contains(t, body, "already complete")
	assert.Contains(t, body, "SG_AWS_Admins")
	assert.NotContains(t, body, `name="remove_groups"`)
}

func TestShow_ApproveAction_TakesApprovePath(t *testing.T) {
	rec := pendingRecord()
	reviewed := time.Now()
	done := *rec
	done.DateReviewed = &reviewed
	done.Changes = models.GroupList{}

	engine := &fakeEngine{
		resolution: &review.TokenResolution{Status: review.TokenPending, Record: rec, Groups: []string{"SG_AWS_Admins"}},
		decision:   &review.Decision{Record: &done},
	}
	r := newReviewRouter(engine)

	w := get(r, "/review?token=tok123&action=approve")
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, engine.approveCalled)
	assert.Contains(t, w.Body.String(), "approved as-is")
}

// ---------------------------------------------------------------------------
// Submission
// ---------------------------------------------------------------------------

func TestSubmit_RemovalDecision(t *testing.T) {
	rec := pendingRecord()
	reviewed := time.Now()
	rec.DateReviewed = &reviewed
	rec.Changes = models.GroupList{"SG_AWS_Admins"}

	engine := &fakeEngine{decision: &review.Decision{Record: rec, Removed: []string{"SG_AWS_Admins"}}}
	r := newReviewRouter(engine)

	form := url.Values{"remove_groups": {"SG_AWS_Admins"}}
	w := postForm(r, "/review?token=tok123", form)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "tok123", engine.lastToken)
	assert.Equal(t, []string{"SG_AWS_Admins"}, engine.lastRequested)
	assert.Contains(t, w.Body.String(), "flagged for removal")
	assert.Contains(t, w.Body.String(), "SG_AWS_Admins")
}

func TestSubmit_EmptySelection_Approves(t *testing.T) {
	rec := pendingRecord()
	reviewed := time.Now()
	rec.DateReviewed = &reviewed
	rec.Changes = models.GroupList{}

	engine := &fakeEngine{decision: &review.Decision{Record: rec}}
	r := newReviewRouter(engine)

	w := postForm(r, "/review?token=tok123", url.Values{})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, engine.lastRequested)
	assert.Contains(t, w.Body.String(), "approved as-is")
}

func TestSubmit_ValidationError_RejectedWhole(t *testing.T) {
	engine := &fakeEngine{submitErr: &review.ValidationError{Unknown: []string{"SG_AWS_Ghost"}}}
	r := newReviewRouter(engine)

	form := url.Values{"remove_groups": {"SG_AWS_Ghost"}}
	w := postForm(r, "/review?token=tok123", form)

	require.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Contains(t, w.Body.String(), "SG_AWS_Ghost")
	assert.Contains(t, w.Body.String(), "nothing was saved")
}

func TestSubmit_UnknownToken_NotFoundPage(t *testing.T) {
	engine := &fakeEngine{submitErr: repositories.ErrNotFound}
	r := newReviewRouter(engine)

	w := postForm(r, "/review?token=bogus", url.Values{})
	require.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), "not recognised")
}

func TestSubmit_AlreadyResolved_Informational(t *testing.T) {
	rec := pendingRecord()
	reviewed := time.Now().Add(-time.Hour)
	rec.DateReviewed = &reviewed
	rec.Changes = models.GroupList{}

	engine := &fakeEngine{decision: &review.Decision{Record: rec, AlreadyResolved: true}}
	r := newReviewRouter(engine)

	w := postForm(r, "/review?token=tok123", url.Values{})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "already complete")
	assert.Contains(t, w.Body.String(), "nothing was changed")
}

func TestSubmit_PersistenceFailure_GenericPage(t *testing.T) {
	engine := &fakeEngine{submitErr: assert.AnError}
	r := newReviewRouter(engine)

	w := postForm(r, "/review?token=tok123", url.Values{})
	require.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), "Something went wrong")
	assert.NotContains(t, w.Body.String(), assert.AnError.Error())
}

func TestSubmit_MissingToken_NotFoundPage(t *testing.T) {
	engine := &fakeEngine{}
	r := newReviewRouter(engine)

	w := postForm(r, "/review", url.Values{})
	require.Equal(t, http.StatusNotFound, w.Code)
	assert.Empty(t, engine.lastToken)
}
