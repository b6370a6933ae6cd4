package handler_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/gema-grader/internal/dto"
	"github.com/noah-isme/gema-grader/internal/grading"
	"github.com/noah-isme/gema-grader/internal/handler"
	"github.com/noah-isme/gema-grader/internal/service"
	"github.com/noah-isme/gema-grader/pkg/collaborator"
)

type stubAutograde struct {
	response dto.AutogradeResponse
	err      error
	request  service.GradeRequest
}

func (s *stubAutograde) Grade(_ context.Context, req service.GradeRequest) (dto.AutogradeResponse, error) {
	s.request = req
	return s.response, s.err
}

type stubJobs struct {
	job       dto.GradingJobResponse
	enqueue   error
	get       error
	cancel    error
	submitted uint
}

func (s *stubJobs) Enqueue(_ context.Context, submissionID uint, _ service.ActivityActor) (dto.GradingJobResponse, error) {
	s.submitted = submissionID
	return s.job, s.enqueue
}

func (s *stubJobs) Get(context.Context, string) (dto.GradingJobResponse, error) {
	return s.job, s.get
}

func (s *stubJobs) Cancel(context.Context, string) (dto.GradingJobResponse, error) {
	return s.job, s.cancel
}

func (s *stubJobs) Start(context.Context) {}

func (s *stubJobs) Wait() {}

func newGradingApp(autograde service.AutogradeService, jobs service.GradingJobService) *fiber.App {
	app := fiber.New()
	app.Use(func(c *fiber.Ctx) error {
		c.Locals("user_id", uint(7))
		c.Locals("user_role", "teacher")
		return c.Next()
	})
	handler.NewGradingHandler(autograde, jobs, zerolog.Nop()).Register(app.Group("/api/v2/grading"))
	return app
}

func sampleAutogradeResponse() dto.AutogradeResponse {
	score := 3
	percent := 100.0
	return dto.AutogradeResponse{
		SubmissionID: 12,
		AIGrade:      83.3,
		GradedByAI:   true,
		Feedback:     "Overall AI Grade: 83.3/100\n\n### Thesis\nScore: 3/3 (100.0%)\n> Clear claim.",
		Traits: []dto.TraitScoreResponse{
			{Trait: "Thesis", Score: &score, Percent: &percent, Outcome: "agreement", Feedback: "Clear claim."},
			{Trait: "Style", Outcome: "incomplete", Feedback: "This trait could not be scored automatically."},
		},
		Audit:    []dto.AuditEntryResponse{{Trait: "Style", Outcome: "incomplete", Note: "no score in reply"}},
		GradedAt: time.Now().UTC(),
	}
}

func compileSchema(t *testing.T, name string) *jsonschema.Schema {
	t.Helper()
	schemaPath, err := filepath.Abs(filepath.Join("testdata", name))
	require.NoError(t, err)

	compiler := jsonschema.NewCompiler()
	compiler.AssertFormat = true
	schema, err := compiler.Compile("file://" + schemaPath)
	require.NoError(t, err)
	return schema
}

func decodeBody(t *testing.T, resp *http.Response) map[string]interface{} {
	t.Helper()
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	var payload map[string]interface{}
	require.NoError(t, json.Unmarshal(body, &payload))
	return payload
}

func TestGradingHandlerAutogradeContract(t *testing.T) {
	autograde := &stubAutograde{response: sampleAutogradeResponse()}
	app := newGradingApp(autograde, &stubJobs{})

	req := httptest.NewRequest(http.MethodPost, "/api/v2/grading/submissions/12/autograde", nil)
	resp, err := app.Test(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	payload := decodeBody(t, resp)
	require.NoError(t, compileSchema(t, "autograde.schema.json").Validate(interface{}(payload)))
	require.Equal(t, uint(12), autograde.request.SubmissionID)
	require.Equal(t, uint(7), autograde.request.Actor.ID)
	require.Equal(t, "teacher", autograde.request.Actor.Role)
}

func TestGradingHandlerAutogradeErrors(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
	}{
		{"not found", service.ErrSubmissionNotFound, http.StatusNotFound},
		{"not gradable", service.ErrSubmissionNotGradable, http.StatusUnprocessableEntity},
		{"busy", grading.ErrSubmissionBusy, http.StatusConflict},
		{"lock lost after run", fmt.Errorf("%w: grading:lock:3 held by another run", grading.ErrLockLost), http.StatusConflict},
		{"lock lost", fmt.Errorf("%w: %w", grading.ErrLockLost, &grading.StageError{Stage: grading.StageSecondaryScore, Kind: grading.ErrCancelled}), http.StatusConflict},
		{"extraction", &grading.StageError{Stage: grading.StageExtractEssay, Kind: grading.ErrExtraction, Err: collaborator.ErrFileNotFound}, http.StatusBadGateway},
		{"trait parsing", &grading.StageError{Stage: grading.StageParseTraits, Kind: grading.ErrTraitParsing}, http.StatusBadGateway},
		{"primary", &grading.StageError{Stage: grading.StagePrimaryScore, Kind: grading.ErrPrimaryScoring}, http.StatusBadGateway},
		{"aggregation", &grading.StageError{Stage: grading.StageAggregate, Kind: grading.ErrAggregation}, http.StatusUnprocessableEntity},
		{"configuration", &grading.StageError{Stage: grading.StageConfigure, Kind: grading.ErrConfiguration}, http.StatusServiceUnavailable},
		{"cancelled", &grading.StageError{Stage: grading.StageCompose, Kind: grading.ErrCancelled}, http.StatusConflict},
		{"unexpected", errors.New("database down"), http.StatusInternalServerError},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			app := newGradingApp(&stubAutograde{err: tc.err}, &stubJobs{})
			req := httptest.NewRequest(http.MethodPost, "/api/v2/grading/submissions/3/autograde", nil)
			resp, err := app.Test(req)
			require.NoError(t, err)
			require.Equal(t, tc.status, resp.StatusCode)

			payload := decodeBody(t, resp)
			require.Equal(t, false, payload["success"])
			if stage, ok := grading.FailedStage(tc.err); ok {
				require.Contains(t, payload["message"], string(stage))
				details, ok := payload["error"].(map[string]interface{})
				require.True(t, ok)
				require.Equal(t, string(stage), details["stage"])
				require.NotEmpty(t, details["code"])
			}
		})
	}
}

func TestGradingHandlerRejectsBadIdentifier(t *testing.T) {
	app := newGradingApp(&stubAutograde{}, &stubJobs{})

	for _, path := range []string{"/api/v2/grading/submissions/abc/autograde", "/api/v2/grading/submissions/0/jobs"} {
		resp, err := app.Test(httptest.NewRequest(http.MethodPost, path, nil))
		require.NoError(t, err)
		require.Equal(t, http.StatusBadRequest, resp.StatusCode, path)
	}
}

func TestGradingHandlerJobLifecycle(t *testing.T) {
	grade := 75.0
	finished := time.Now().UTC()
	jobs := &stubJobs{job: dto.GradingJobResponse{
		ID:           "0b7c1a5e-2f0d-4c37-9a3a-0d8f2b1e4c55",
		SubmissionID: 12,
		Status:       "succeeded",
		Grade:        &grade,
		Audit:        []dto.AuditEntryResponse{},
		FinishedAt:   &finished,
		CreatedAt:    finished.Add(-time.Minute),
	}}
	app := newGradingApp(&stubAutograde{}, jobs)

	resp, err := app.Test(httptest.NewRequest(http.MethodPost, "/api/v2/grading/submissions/12/jobs", nil))
	require.NoError(t, err)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	require.Equal(t, uint(12), jobs.submitted)

	resp, err = app.Test(httptest.NewRequest(http.MethodGet, "/api/v2/grading/jobs/"+jobs.job.ID, nil))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	payload := decodeBody(t, resp)
	require.NoError(t, compileSchema(t, "grading_job.schema.json").Validate(interface{}(payload)))

	jobs.cancel = service.ErrGradingJobFinished
	resp, err = app.Test(httptest.NewRequest(http.MethodDelete, "/api/v2/grading/jobs/"+jobs.job.ID, nil))
	require.NoError(t, err)
	require.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestGradingHandlerJobErrors(t *testing.T) {
	jobs := &stubJobs{job: dto.GradingJobResponse{ID: "active-job"}, enqueue: service.ErrGradingJobActive}
	app := newGradingApp(&stubAutograde{}, jobs)

	resp, err := app.Test(httptest.NewRequest(http.MethodPost, "/api/v2/grading/submissions/5/jobs", nil))
	require.NoError(t, err)
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	require.Contains(t, decodeBody(t, resp)["message"], "active-job")

	jobs.enqueue = service.ErrGradingQueueFull
	resp, err = app.Test(httptest.NewRequest(http.MethodPost, "/api/v2/grading/submissions/5/jobs", nil))
	require.NoError(t, err)
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	jobs.get = service.ErrGradingJobNotFound
	resp, err = app.Test(httptest.NewRequest(http.MethodGet, "/api/v2/grading/jobs/missing", nil))
	require.NoError(t, err)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	disabled := newGradingApp(&stubAutograde{}, nil)
	resp, err = disabled.Test(httptest.NewRequest(http.MethodGet, "/api/v2/grading/jobs/any", nil))
	require.NoError(t, err)
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}
