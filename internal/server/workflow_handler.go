package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kazz187/flowguild/internal/workflow"
	"github.com/kazz187/flowguild/pkg/cerr"
)

func (s *Server) routeWorkflows(r chi.Router) {
	r.Route("/workflows", func(r chi.Router) {
		r.Post("/", s.createWorkflow)
		r.Get("/", s.listWorkflows)
		r.Route("/{workflowID}", func(r chi.Router) {
			r.Get("/", s.getWorkflow)
			r.Post("/start", s.startWorkflow)
			r.Post("/pause", s.pauseWorkflow)
			r.Post("/resume", s.resumeWorkflow)
			r.Post("/cancel", s.cancelWorkflow)
			r.Get("/steps", s.listSteps)
			r.Post("/steps", s.addStep)
			r.Get("/steps/ready", s.readySteps)
			r.Get("/steps/{stepID}", s.stepStatus)
			r.Post("/steps/{stepID}/retry", s.retryStep)
			r.Post("/steps/{stepID}/skip", s.skipStep)
			r.Get("/events", s.listEvents)
			r.Post("/events", s.recordEvent)
		})
	})
}

// decodeJSON decodes the request body into dst. An empty body is fine:
// several endpoints treat all their fields as optional.
func decodeJSON(r *http.Request, dst any) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return cerr.NewError(cerr.InvalidArgument, "invalid request body", err)
	}
	return nil
}

type createWorkflowRequest struct {
	Title             string   `json:"title"`
	Issues            []string `json:"issues,omitempty"`
	Spec              string   `json:"spec,omitempty"`
	RootIssue         string   `json:"root_issue,omitempty"`
	Goal              string   `json:"goal,omitempty"`
	Parallelism       string   `json:"parallelism,omitempty"`
	OnFailure         string   `json:"on_failure,omitempty"`
	MaxConcurrency    int      `json:"max_concurrency,omitempty"`
	AutoCommit        bool     `json:"auto_commit,omitempty"`
	DefaultAgentType  string   `json:"default_agent_type,omitempty"`
	OrchestratorModel string   `json:"orchestrator_model,omitempty"`
	BaseBranch        string   `json:"base_branch,omitempty"`
}

type stepResponse struct {
	ID           string   `json:"id"`
	IssueID      string   `json:"issue_id,omitempty"`
	Dependencies []string `json:"dependencies,omitempty"`
	Status       string   `json:"status"`
	ExecutionID  string   `json:"execution_id,omitempty"`
	CommitSHA    string   `json:"commit_sha,omitempty"`
	Error        string   `json:"error,omitempty"`
	SkipReason   string   `json:"skip_reason,omitempty"`
	Index        int      `json:"index"`
}

type workflowResponse struct {
	ID               string         `json:"id"`
	Title            string         `json:"title"`
	Status           string         `json:"status"`
	SourceKind       string         `json:"source_kind"`
	Goal             string         `json:"goal,omitempty"`
	Steps            []stepResponse `json:"steps,omitempty"`
	Parallelism      string         `json:"parallelism"`
	OnFailure        string         `json:"on_failure"`
	MaxConcurrency   int            `json:"max_concurrency"`
	AutoCommit       bool           `json:"auto_commit"`
	CurrentStepIndex int            `json:"current_step_index"`
	WorktreePath     string         `json:"worktree_path,omitempty"`
	BranchName       string         `json:"branch_name,omitempty"`
	Error            string         `json:"error,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
	StartedAt        *time.Time     `json:"started_at,omitempty"`
	CompletedAt      *time.Time     `json:"completed_at,omitempty"`
}

type eventResponse struct {
	ID          string         `json:"id"`
	WorkflowID  string         `json:"workflow_id"`
	Type        string         `json:"type"`
	StepID      string         `json:"step_id,omitempty"`
	ExecutionID string         `json:"execution_id,omitempty"`
	Payload     map[string]any `json:"payload,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	ProcessedAt *time.Time     `json:"processed_at,omitempty"`
}

func stepToResponse(st *workflow.Step) stepResponse {
	return stepResponse{
		ID:           st.ID,
		IssueID:      st.IssueID,
		Dependencies: st.Dependencies,
		Status:       string(st.Status),
		ExecutionID:  st.ExecutionID,
		CommitSHA:    st.CommitSHA,
		Error:        st.Error,
		SkipReason:   st.SkipReason,
		Index:        st.Index,
	}
}

func workflowToResponse(w *workflow.Workflow) *workflowResponse {
	steps := make([]stepResponse, 0, len(w.Steps))
	for _, st := range w.Steps {
		steps = append(steps, stepToResponse(st))
	}
	return &workflowResponse{
		ID:               w.ID,
		Title:            w.Title,
		Status:           string(w.Status),
		SourceKind:       string(w.Source.Kind()),
		Goal:             w.Source.Goal,
		Steps:            steps,
		Parallelism:      string(w.Config.Parallelism),
		OnFailure:        string(w.Config.OnFailure),
		MaxConcurrency:   w.Config.MaxConcurrency,
		AutoCommit:       w.Config.AutoCommit,
		CurrentStepIndex: w.CurrentStepIndex,
		WorktreePath:     w.WorktreePath,
		BranchName:       w.BranchName,
		Error:            w.Error,
		CreatedAt:        w.CreatedAt,
		UpdatedAt:        w.UpdatedAt,
		StartedAt:        w.StartedAt,
		CompletedAt:      w.CompletedAt,
	}
}

func eventToResponse(e *workflow.WorkflowEvent) eventResponse {
	return eventResponse{
		ID:          e.ID,
		WorkflowID:  e.WorkflowID,
		Type:        e.Type,
		StepID:      e.StepID,
		ExecutionID: e.ExecutionID,
		Payload:     e.Payload,
		CreatedAt:   e.CreatedAt,
		ProcessedAt: e.ProcessedAt,
	}
}

func (s *Server) createWorkflow(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req createWorkflowRequest
	if err := decodeJSON(r, &req); err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}

	createReq := workflow.CreateRequest{
		Title: req.Title,
		Source: workflow.Source{
			Issues:    req.Issues,
			Spec:      req.Spec,
			RootIssue: req.RootIssue,
			Goal:      req.Goal,
		},
		Config: workflow.Config{
			Parallelism:       workflow.Parallelism(req.Parallelism),
			OnFailure:         workflow.FailureStrategy(req.OnFailure),
			MaxConcurrency:    req.MaxConcurrency,
			AutoCommit:        req.AutoCommit,
			DefaultAgentType:  req.DefaultAgentType,
			OrchestratorModel: req.OrchestratorModel,
		},
		BaseBranch: req.BaseBranch,
	}

	// Goal workflows grow their steps through the orchestrator; everything
	// else resolves its step graph at creation.
	engine := workflow.Engine(s.sequential)
	if req.Goal != "" {
		engine = s.orch
	}
	created, err := engine.Create(ctx, createReq)
	if err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	cerr.SetJSONResponse(ctx, workflowToResponse(created))
}

func (s *Server) listWorkflows(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	workflows, err := s.sequential.List(ctx)
	if err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	out := make([]*workflowResponse, 0, len(workflows))
	for _, wf := range workflows {
		out = append(out, workflowToResponse(wf))
	}
	cerr.SetJSONResponse(ctx, out)
}

func (s *Server) getWorkflow(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	wf, err := s.sequential.Get(ctx, chi.URLParam(r, "workflowID"))
	if err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	cerr.SetJSONResponse(ctx, workflowToResponse(wf))
}

// lifecycle mutates the workflow via op and responds with the fresh row.
func (s *Server) lifecycle(w http.ResponseWriter, r *http.Request, op func(ctx context.Context, id string) error) {
	ctx := r.Context()
	id := chi.URLParam(r, "workflowID")
	if err := op(ctx, id); err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	wf, err := s.sequential.Get(ctx, id)
	if err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	cerr.SetJSONResponse(ctx, workflowToResponse(wf))
}

func (s *Server) startWorkflow(w http.ResponseWriter, r *http.Request) {
	s.lifecycle(w, r, s.sequential.Start)
}

func (s *Server) pauseWorkflow(w http.ResponseWriter, r *http.Request) {
	s.lifecycle(w, r, s.sequential.Pause)
}

func (s *Server) resumeWorkflow(w http.ResponseWriter, r *http.Request) {
	s.lifecycle(w, r, s.sequential.Resume)
}

func (s *Server) cancelWorkflow(w http.ResponseWriter, r *http.Request) {
	s.lifecycle(w, r, s.sequential.Cancel)
}

type retryStepRequest struct {
	FreshStart bool `json:"fresh_start"`
}

func (s *Server) retryStep(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req retryStepRequest
	if err := decodeJSON(r, &req); err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	id := chi.URLParam(r, "workflowID")
	if err := s.sequential.RetryStep(ctx, id, chi.URLParam(r, "stepID"), req.FreshStart); err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	wf, err := s.sequential.Get(ctx, id)
	if err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	cerr.SetJSONResponse(ctx, workflowToResponse(wf))
}

type skipStepRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) skipStep(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req skipStepRequest
	if err := decodeJSON(r, &req); err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	id := chi.URLParam(r, "workflowID")
	if err := s.sequential.SkipStep(ctx, id, chi.URLParam(r, "stepID"), req.Reason); err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	wf, err := s.sequential.Get(ctx, id)
	if err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	cerr.SetJSONResponse(ctx, workflowToResponse(wf))
}

func (s *Server) listSteps(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	wf, err := s.sequential.Get(ctx, chi.URLParam(r, "workflowID"))
	if err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	out := make([]stepResponse, 0, len(wf.Steps))
	for _, st := range wf.Steps {
		out = append(out, stepToResponse(st))
	}
	cerr.SetJSONResponse(ctx, out)
}

func (s *Server) readySteps(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	steps, err := s.sequential.ReadySteps(ctx, chi.URLParam(r, "workflowID"))
	if err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	out := make([]stepResponse, 0, len(steps))
	for _, st := range steps {
		out = append(out, stepToResponse(st))
	}
	cerr.SetJSONResponse(ctx, out)
}

func (s *Server) stepStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	st, err := s.sequential.StepStatus(ctx, chi.URLParam(r, "workflowID"), chi.URLParam(r, "stepID"))
	if err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	cerr.SetJSONResponse(ctx, stepToResponse(st))
}

type addStepRequest struct {
	IssueID      string   `json:"issue_id"`
	Dependencies []string `json:"dependencies,omitempty"`
}

func (s *Server) addStep(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req addStepRequest
	if err := decodeJSON(r, &req); err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	st, err := s.orch.AddStep(ctx, chi.URLParam(r, "workflowID"), req.IssueID, req.Dependencies)
	if err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	cerr.SetJSONResponse(ctx, stepToResponse(st))
}

func (s *Server) listEvents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	opts := workflow.ListEventsOptions{
		UnprocessedOnly: r.URL.Query().Get("unprocessed") == "true",
	}
	if t := r.URL.Query().Get("type"); t != "" {
		opts.Types = []string{t}
	}
	events, err := s.workflows.ListEvents(ctx, chi.URLParam(r, "workflowID"), opts)
	if err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	out := make([]eventResponse, 0, len(events))
	for _, e := range events {
		out = append(out, eventToResponse(e))
	}
	cerr.SetJSONResponse(ctx, out)
}

type recordEventRequest struct {
	Type    string `json:"type"`
	Message string `json:"message,omitempty"`
}

// recordEvent feeds a user-originated event into the workflow's log, waking
// the orchestrator through the usual debounce/await machinery.
func (s *Server) recordEvent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req recordEventRequest
	if err := decodeJSON(r, &req); err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	switch req.Type {
	case workflow.EventUserResponse, workflow.EventEscalationResolved:
	default:
		cerr.SetNewJSONError(ctx, cerr.InvalidArgument, fmt.Sprintf("unsupported event type %q", req.Type), nil)
		return
	}

	id := chi.URLParam(r, "workflowID")
	if _, err := s.workflows.GetWorkflow(ctx, id); err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}

	ev := workflow.NewWorkflowEvent(id, req.Type)
	if req.Message != "" {
		ev.Payload["message"] = req.Message
	}
	if err := s.wakeup.RecordEvent(ctx, ev); err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	cerr.SetJSONResponse(ctx, eventToResponse(ev))
}
