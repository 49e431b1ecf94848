package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/covality-inc/covality-engine/pkg/apperrors"
	"github.com/covality-inc/covality-engine/pkg/models"
)

// mockAnalysisService stubs the orchestrator for handler tests.
type mockAnalysisService struct {
	triggerResult *models.Analysis
	triggerErr    error
	getResult     *models.Analysis
	getErr        error
	listResult    []*models.Analysis
	listErr       error
}

func (m *mockAnalysisService) Trigger(ctx context.Context, orgID, frameworkID, userID uuid.UUID) (*models.Analysis, error) {
	return m.triggerResult, m.triggerErr
}
func (m *mockAnalysisService) Get(ctx context.Context, orgID, analysisID uuid.UUID) (*models.Analysis, error) {
	return m.getResult, m.getErr
}
func (m *mockAnalysisService) List(ctx context.Context, orgID uuid.UUID) ([]*models.Analysis, error) {
	return m.listResult, m.listErr
}
func (m *mockAnalysisService) Run(ctx context.Context, analysis *models.Analysis) {}

// passthroughTenant skips the real tenant middleware in handler tests.
func passthroughTenant(next http.HandlerFunc) http.HandlerFunc {
	return next
}

func newAnalysisTestMux(svc *mockAnalysisService) *http.ServeMux {
	mux := http.NewServeMux()
	NewAnalysisHandler(svc, zap.NewNop()).RegisterRoutes(mux, passthroughTenant)
	return mux
}

func TestTriggerAnalysis_Accepted(t *testing.T) {
	analysis := &models.Analysis{
		ID:     uuid.New(),
		Status: models.AnalysisStatusPending,
	}
	mux := newAnalysisTestMux(&mockAnalysisService{triggerResult: analysis})

	req := httptest.NewRequest(http.MethodPost,
		"/api/orgs/"+uuid.NewString()+"/frameworks/"+uuid.NewString()+"/analyses", nil)
	req.Header.Set("X-User-ID", uuid.NewString())
	rec := httptest.NewRecorder()

	mux.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusAccepted, rec.Code)

	var got models.Analysis
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, analysis.ID, got.ID)
	assert.Equal(t, models.AnalysisStatusPending, got.Status)
}

func TestTriggerAnalysis_ConflictWhenRunning(t *testing.T) {
	mux := newAnalysisTestMux(&mockAnalysisService{triggerErr: apperrors.ErrAnalysisRunning})

	req := httptest.NewRequest(http.MethodPost,
		"/api/orgs/"+uuid.NewString()+"/frameworks/"+uuid.NewString()+"/analyses", nil)
	req.Header.Set("X-User-ID", uuid.NewString())
	rec := httptest.NewRecorder()

	mux.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusConflict, rec.Code)

	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "analysis_running", resp.Error)
}

func TestTriggerAnalysis_UnknownFramework(t *testing.T) {
	mux := newAnalysisTestMux(&mockAnalysisService{triggerErr: apperrors.ErrNotFound})

	req := httptest.NewRequest(http.MethodPost,
		"/api/orgs/"+uuid.NewString()+"/frameworks/"+uuid.NewString()+"/analyses", nil)
	req.Header.Set("X-User-ID", uuid.NewString())
	rec := httptest.NewRecorder()

	mux.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTriggerAnalysis_MissingUserHeader(t *testing.T) {
	mux := newAnalysisTestMux(&mockAnalysisService{})

	req := httptest.NewRequest(http.MethodPost,
		"/api/orgs/"+uuid.NewString()+"/frameworks/"+uuid.NewString()+"/analyses", nil)
	rec := httptest.NewRecorder()

	mux.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTriggerAnalysis_BadFrameworkID(t *testing.T) {
	mux := newAnalysisTestMux(&mockAnalysisService{})

	req := httptest.NewRequest(http.MethodPost,
		"/api/orgs/"+uuid.NewString()+"/frameworks/not-a-uuid/analyses", nil)
	req.Header.Set("X-User-ID", uuid.NewString())
	rec := httptest.NewRecorder()

	mux.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetAnalysis(t *testing.T) {
	analysis := &models.Analysis{
		ID:           uuid.New(),
		Status:       models.AnalysisStatusCompleted,
		OverallScore: 62.5,
	}
	mux := newAnalysisTestMux(&mockAnalysisService{getResult: analysis})

	req := httptest.NewRequest(http.MethodGet,
		"/api/orgs/"+uuid.NewString()+"/analyses/"+analysis.ID.String(), nil)
	rec := httptest.NewRecorder()

	mux.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)

	var got models.Analysis
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, 62.5, got.OverallScore)
}

func TestGetAnalysis_NotFound(t *testing.T) {
	mux := newAnalysisTestMux(&mockAnalysisService{getErr: apperrors.ErrNotFound})

	req := httptest.NewRequest(http.MethodGet,
		"/api/orgs/"+uuid.NewString()+"/analyses/"+uuid.NewString(), nil)
	rec := httptest.NewRecorder()

	mux.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListAnalyses(t *testing.T) {
	mux := newAnalysisTestMux(&mockAnalysisService{
		listResult: []*models.Analysis{
			{ID: uuid.New(), Status: models.AnalysisStatusCompleted},
			{ID: uuid.New(), Status: models.AnalysisStatusFailed},
		},
	})

	req := httptest.NewRequest(http.MethodGet, "/api/orgs/"+uuid.NewString()+"/analyses", nil)
	rec := httptest.NewRecorder()

	mux.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)

	var got []*models.Analysis
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Len(t, got, 2)
}

func TestListAnalyses_InternalErrorIsOpaque(t *testing.T) {
	mux := newAnalysisTestMux(&mockAnalysisService{listErr: errors.New("pq: connection reset")})

	req := httptest.NewRequest(http.MethodGet, "/api/orgs/"+uuid.NewString()+"/analyses", nil)
	rec := httptest.NewRecorder()

	mux.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "connection reset")
}
