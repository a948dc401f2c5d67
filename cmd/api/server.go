package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"archiveflow/approval"
	"archiveflow/department"
	"archiveflow/distribution"
	"archiveflow/document"
	"archiveflow/identity"
	"archiveflow/workflow"
)

type ctxKey string

const ctxKeyActor ctxKey = "actor"

type identityService interface {
	Register(ctx context.Context, req identity.RegisterRequest) (*identity.User, error)
	Login(ctx context.Context, req identity.LoginRequest) (identity.LoginResult, error)
	VerifyToken(token string) (identity.Actor, error)
}

type documentRepository interface {
	Create(ctx context.Context, params document.CreateParams) (document.Document, error)
	GetByID(ctx context.Context, id string) (document.Document, error)
	Archive(ctx context.Context, id string) error
	List(ctx context.Context, filters document.ListFilters) ([]document.Document, int, error)
}

type workflowRegistry interface {
	CreateStatus(ctx context.Context, params workflow.CreateStatusParams) (workflow.Status, error)
	ListStatuses(ctx context.Context, companyID string) ([]workflow.Status, error)
	CreateDefinition(ctx context.Context, params workflow.CreateDefinitionParams) (workflow.Definition, error)
	Deactivate(ctx context.Context, definitionID string) error
	EdgesFrom(ctx context.Context, companyID, fromStatusID string) ([]workflow.Definition, error)
}

type transitionService interface {
	Attempt(ctx context.Context, params workflow.AttemptParams) (workflow.Result, error)
}

type approvalCoordinator interface {
	Respond(ctx context.Context, params approval.RespondParams) (approval.Outcome, error)
}

type approvalReader interface {
	ListForDocument(ctx context.Context, documentID string) ([]approval.Record, error)
}

type distributionTracker interface {
	Distribute(ctx context.Context, params distribution.DistributeParams) ([]distribution.Target, error)
	UpdateTarget(ctx context.Context, params distribution.UpdateParams) (distribution.Target, error)
}

type distributionReader interface {
	ListForDocument(ctx context.Context, documentID string) ([]distribution.Target, error)
	ProgressForDocument(ctx context.Context, documentID string) (distribution.Progress, error)
}

type departmentService interface {
	ListByCompany(ctx context.Context, companyID string, limit int) ([]department.Department, error)
}

// Server exposes the lifecycle engine over HTTP.
type Server struct {
	identityService identityService
	documents       documentRepository
	registry        workflowRegistry
	transitions     transitionService
	approvals       approvalCoordinator
	approvalReads   approvalReader
	distributions   distributionTracker
	distReads       distributionReader
	departments     departmentService
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/auth/register", s.handleRegister)
	mux.HandleFunc("/api/auth/login", s.handleLogin)
	mux.HandleFunc("/api/documents", s.withActor(s.handleDocuments))
	mux.HandleFunc("/api/documents/", s.withActor(s.handleDocumentDetail))
	mux.HandleFunc("/api/approvals/", s.withActor(s.handleApprovalDetail))
	mux.HandleFunc("/api/distributions/", s.withActor(s.handleDistributionDetail))
	mux.HandleFunc("/api/statuses", s.withActor(s.handleStatuses))
	mux.HandleFunc("/api/workflow-definitions", s.withActor(s.handleDefinitions))
	mux.HandleFunc("/api/workflow-definitions/", s.withActor(s.handleDefinitionDetail))
	mux.HandleFunc("/api/departments", s.withActor(s.handleDepartments))
	return mux
}

// withActor authenticates the bearer token and stashes the actor in the
// request context.
func (s *Server) withActor(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		actor, err := s.identityService.VerifyToken(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), ctxKeyActor, actor)))
	}
}

func actorFrom(r *http.Request) (identity.Actor, bool) {
	actor, ok := r.Context().Value(ctxKeyActor).(identity.Actor)
	return actor, ok
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req identity.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	user, err := s.identityService.Register(r.Context(), req)
	if err != nil {
		switch {
		case errors.Is(err, identity.ErrWeakPassword):
			writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, identity.ErrDuplicateEmail):
			writeError(w, http.StatusConflict, "email already registered")
		default:
			writeServerError(w, "register", err)
		}
		return
	}

	writeJSON(w, http.StatusCreated, userResponse{
		ID:        user.ID,
		CompanyID: user.CompanyID,
		Email:     user.Email,
		FullName:  user.FullName,
		Role:      string(user.Role),
	})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req identity.LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	result, err := s.identityService.Login(r.Context(), req)
	if err != nil {
		switch {
		case errors.Is(err, identity.ErrInvalidCredentials), errors.Is(err, identity.ErrInactiveUser):
			writeError(w, http.StatusUnauthorized, "invalid credentials")
		default:
			writeServerError(w, "login", err)
		}
		return
	}

	writeJSON(w, http.StatusOK, loginResponse{
		Token: result.Token,
		User: userResponse{
			ID:        result.User.ID,
			CompanyID: result.User.CompanyID,
			Email:     result.User.Email,
			FullName:  result.User.FullName,
			Role:      string(result.User.Role),
		},
	})
}

func (s *Server) handleDocuments(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing actor")
		return
	}

	switch r.Method {
	case http.MethodGet:
		filters := document.ListFilters{CompanyID: actor.CompanyID}
		filters.Page = intQuery(r, "page", 1)
		filters.PageSize = intQuery(r, "page_size", 20)

		docs, total, err := s.documents.List(r.Context(), filters)
		if err != nil {
			writeServerError(w, "list documents", err)
			return
		}
		items := make([]documentResponse, 0, len(docs))
		for _, doc := range docs {
			items = append(items, toDocumentResponse(doc))
		}
		writeJSON(w, http.StatusOK, listResponse[documentResponse]{Items: items, Total: total})

	case http.MethodPost:
		var req createDocumentRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		doc, err := s.documents.Create(r.Context(), document.CreateParams{
			CompanyID: actor.CompanyID,
			Title:     req.Title,
			Number:    req.Number,
			Priority:  document.Priority(req.Priority),
			CreatedBy: actor.ID,
		})
		if err != nil {
			switch {
			case errors.Is(err, document.ErrNoInitialStatus):
				writeError(w, http.StatusConflict, err.Error())
			case errors.Is(err, document.ErrDuplicateNumber):
				writeError(w, http.StatusConflict, err.Error())
			default:
				writeServerError(w, "create document", err)
			}
			return
		}
		writeJSON(w, http.StatusCreated, toDocumentResponse(doc))

	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) handleDocumentDetail(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing actor")
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, "/api/documents/")
	documentID, action, _ := strings.Cut(rest, "/")
	if documentID == "" {
		writeError(w, http.StatusBadRequest, "document id required")
		return
	}

	switch {
	case action == "" && r.Method == http.MethodGet:
		s.handleGetDocument(w, r, actor, documentID)
	case action == "transition" && r.Method == http.MethodPost:
		s.handleTransition(w, r, actor, documentID)
	case action == "archive" && r.Method == http.MethodPost:
		s.handleArchive(w, r, actor, documentID)
	case action == "distribute" && r.Method == http.MethodPost:
		s.handleDistribute(w, r, actor, documentID)
	case action == "distribution" && r.Method == http.MethodGet:
		s.handleDistributionProgress(w, r, documentID)
	case action == "approvals" && r.Method == http.MethodGet:
		s.handleApprovalList(w, r, documentID)
	case action == "transitions" && r.Method == http.MethodGet:
		s.handleAvailableTransitions(w, r, actor, documentID)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) handleGetDocument(w http.ResponseWriter, r *http.Request, actor identity.Actor, documentID string) {
	doc, err := s.documents.GetByID(r.Context(), documentID)
	if err != nil {
		if errors.Is(err, document.ErrNotFound) {
			writeError(w, http.StatusNotFound, "document not found")
			return
		}
		writeServerError(w, "get document", err)
		return
	}
	if doc.CompanyID != actor.CompanyID {
		writeError(w, http.StatusNotFound, "document not found")
		return
	}
	writeJSON(w, http.StatusOK, toDocumentResponse(doc))
}

func (s *Server) handleTransition(w http.ResponseWriter, r *http.Request, actor identity.Actor, documentID string) {
	var req transitionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	result, err := s.transitions.Attempt(r.Context(), workflow.AttemptParams{
		DocumentID:     documentID,
		TargetStatusID: req.TargetStatusID,
		Actor:          actor,
		Comment:        req.Comment,
		Approvers:      req.Approvers,
	})
	if err != nil {
		switch {
		case errors.Is(err, document.ErrNotFound):
			writeError(w, http.StatusNotFound, "document not found")
		case errors.Is(err, workflow.ErrInvalidTransition):
			writeError(w, http.StatusConflict, "no active transition to the target status")
		case errors.Is(err, workflow.ErrApprovalPending):
			writeError(w, http.StatusConflict, "an approval batch is already pending for this transition")
		case errors.Is(err, workflow.ErrUnauthorized):
			writeError(w, http.StatusForbidden, "transition not permitted")
		case errors.Is(err, workflow.ErrCommentRequired),
			errors.Is(err, workflow.ErrApproversRequired),
			errors.Is(err, workflow.ErrDocumentArchived):
			writeError(w, http.StatusBadRequest, err.Error())
		default:
			writeServerError(w, "attempt transition", err)
		}
		return
	}

	writeJSON(w, http.StatusOK, transitionResponse{
		Outcome:           string(result.Outcome),
		Document:          toDocumentResponse(result.Document),
		ApprovalRecordIDs: result.ApprovalRecordIDs,
	})
}

func (s *Server) handleArchive(w http.ResponseWriter, r *http.Request, actor identity.Actor, documentID string) {
	doc, err := s.documents.GetByID(r.Context(), documentID)
	if err != nil {
		if errors.Is(err, document.ErrNotFound) {
			writeError(w, http.StatusNotFound, "document not found")
			return
		}
		writeServerError(w, "get document", err)
		return
	}
	if doc.CompanyID != actor.CompanyID {
		writeError(w, http.StatusNotFound, "document not found")
		return
	}

	if err := s.documents.Archive(r.Context(), documentID); err != nil {
		writeServerError(w, "archive document", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAvailableTransitions(w http.ResponseWriter, r *http.Request, actor identity.Actor, documentID string) {
	doc, err := s.documents.GetByID(r.Context(), documentID)
	if err != nil {
		if errors.Is(err, document.ErrNotFound) {
			writeError(w, http.StatusNotFound, "document not found")
			return
		}
		writeServerError(w, "get document", err)
		return
	}
	if doc.CompanyID != actor.CompanyID {
		writeError(w, http.StatusNotFound, "document not found")
		return
	}

	edges, err := s.registry.EdgesFrom(r.Context(), doc.CompanyID, doc.StatusID)
	if err != nil {
		writeServerError(w, "list edges", err)
		return
	}

	items := make([]definitionResponse, 0, len(edges))
	for _, def := range edges {
		if !def.PermitsRole(actor.Role) {
			continue
		}
		items = append(items, toDefinitionResponse(def))
	}
	writeJSON(w, http.StatusOK, listResponse[definitionResponse]{Items: items, Total: len(items)})
}

func (s *Server) handleApprovalDetail(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing actor")
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, "/api/approvals/")
	recordID, action, _ := strings.Cut(rest, "/")
	if recordID == "" {
		writeError(w, http.StatusBadRequest, "approval record id required")
		return
	}
	if action != "respond" || r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req respondRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	outcome, err := s.approvals.Respond(r.Context(), approval.RespondParams{
		RecordID: recordID,
		Actor:    actor,
		Decision: approval.Decision(req.Decision),
		Comment:  req.Comment,
	})
	if err != nil {
		switch {
		case errors.Is(err, approval.ErrRecordNotFound):
			writeError(w, http.StatusNotFound, "approval record not found")
		case errors.Is(err, approval.ErrUnauthorized):
			writeError(w, http.StatusForbidden, "not the assigned approver")
		case errors.Is(err, approval.ErrAlreadyResponded):
			writeError(w, http.StatusConflict, "record already responded")
		case errors.Is(err, approval.ErrCommentRequired):
			writeError(w, http.StatusBadRequest, err.Error())
		default:
			writeServerError(w, "respond approval", err)
		}
		return
	}

	writeJSON(w, http.StatusOK, respondResponse{
		Resolution:        string(outcome.Resolution),
		Record:            toApprovalResponse(outcome.Record),
		CancelledSiblings: outcome.CancelledSiblings,
	})
}

func (s *Server) handleApprovalList(w http.ResponseWriter, r *http.Request, documentID string) {
	records, err := s.approvalReads.ListForDocument(r.Context(), documentID)
	if err != nil {
		writeServerError(w, "list approvals", err)
		return
	}
	items := make([]approvalResponse, 0, len(records))
	for _, rec := range records {
		items = append(items, toApprovalResponse(rec))
	}
	writeJSON(w, http.StatusOK, listResponse[approvalResponse]{Items: items, Total: len(items)})
}

func (s *Server) handleDistribute(w http.ResponseWriter, r *http.Request, actor identity.Actor, documentID string) {
	var req distributeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	targets, err := s.distributions.Distribute(r.Context(), distribution.DistributeParams{
		DocumentID:    documentID,
		DepartmentIDs: req.DepartmentIDs,
		RoutingNote:   req.RoutingNote,
		Actor:         actor,
	})
	if err != nil {
		switch {
		case errors.Is(err, document.ErrNotFound):
			writeError(w, http.StatusNotFound, "document not found")
		case errors.Is(err, distribution.ErrNoDepartments),
			errors.Is(err, distribution.ErrDepartmentNotFound),
			errors.Is(err, distribution.ErrDocumentArchived):
			writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, distribution.ErrUnauthorized):
			writeError(w, http.StatusForbidden, "distribution not permitted")
		default:
			writeServerError(w, "distribute document", err)
		}
		return
	}

	items := make([]targetResponse, 0, len(targets))
	for _, target := range targets {
		items = append(items, toTargetResponse(target))
	}
	writeJSON(w, http.StatusCreated, listResponse[targetResponse]{Items: items, Total: len(items)})
}

func (s *Server) handleDistributionProgress(w http.ResponseWriter, r *http.Request, documentID string) {
	progress, err := s.distReads.ProgressForDocument(r.Context(), documentID)
	if err != nil {
		writeServerError(w, "distribution progress", err)
		return
	}
	targets, err := s.distReads.ListForDocument(r.Context(), documentID)
	if err != nil {
		writeServerError(w, "list targets", err)
		return
	}

	items := make([]targetResponse, 0, len(targets))
	for _, target := range targets {
		items = append(items, toTargetResponse(target))
	}
	byStatus := make(map[string]int, len(progress.ByStatus))
	for status, n := range progress.ByStatus {
		byStatus[string(status)] = n
	}
	writeJSON(w, http.StatusOK, progressResponse{
		DocumentID:  progress.DocumentID,
		Total:       progress.Total,
		ByStatus:    byStatus,
		AllResolved: progress.AllResolved,
		Targets:     items,
	})
}

func (s *Server) handleDistributionDetail(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing actor")
		return
	}

	targetID := strings.TrimPrefix(r.URL.Path, "/api/distributions/")
	if targetID == "" || strings.Contains(targetID, "/") {
		writeError(w, http.StatusBadRequest, "distribution target id required")
		return
	}
	if r.Method != http.MethodPatch {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req updateTargetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	target, err := s.distributions.UpdateTarget(r.Context(), distribution.UpdateParams{
		TargetID:           targetID,
		Actor:              actor,
		Status:             distribution.Status(req.Status),
		ResponseNote:       req.ResponseNote,
		ResponseDocumentID: req.ResponseDocumentID,
		RejectedReason:     req.RejectedReason,
	})
	if err != nil {
		switch {
		case errors.Is(err, distribution.ErrTargetNotFound):
			writeError(w, http.StatusNotFound, "distribution target not found")
		case errors.Is(err, distribution.ErrInvalidTransition):
			writeError(w, http.StatusConflict, err.Error())
		case errors.Is(err, distribution.ErrReasonRequired):
			writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, distribution.ErrUnauthorized):
			writeError(w, http.StatusForbidden, "update not permitted")
		default:
			writeServerError(w, "update distribution target", err)
		}
		return
	}

	writeJSON(w, http.StatusOK, toTargetResponse(target))
}

func (s *Server) handleStatuses(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing actor")
		return
	}

	switch r.Method {
	case http.MethodGet:
		statuses, err := s.registry.ListStatuses(r.Context(), actor.CompanyID)
		if err != nil {
			writeServerError(w, "list statuses", err)
			return
		}
		items := make([]statusResponse, 0, len(statuses))
		for _, st := range statuses {
			items = append(items, toStatusResponse(st))
		}
		writeJSON(w, http.StatusOK, listResponse[statusResponse]{Items: items, Total: len(items)})

	case http.MethodPost:
		if actor.Role != identity.RoleAdmin {
			writeError(w, http.StatusForbidden, "admin role required")
			return
		}
		var req createStatusRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		status, err := s.registry.CreateStatus(r.Context(), workflow.CreateStatusParams{
			CompanyID: actor.CompanyID,
			Name:      req.Name,
			IsInitial: req.IsInitial,
			IsFinal:   req.IsFinal,
		})
		if err != nil {
			writeServerError(w, "create status", err)
			return
		}
		writeJSON(w, http.StatusCreated, toStatusResponse(status))

	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) handleDefinitions(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing actor")
		return
	}
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if actor.Role != identity.RoleAdmin {
		writeError(w, http.StatusForbidden, "admin role required")
		return
	}

	var req createDefinitionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	roles := make([]identity.Role, 0, len(req.RolesAllowed))
	for _, role := range req.RolesAllowed {
		roles = append(roles, identity.Role(role))
	}

	def, err := s.registry.CreateDefinition(r.Context(), workflow.CreateDefinitionParams{
		CompanyID:        actor.CompanyID,
		Name:             req.Name,
		FromStatusID:     req.FromStatusID,
		ToStatusID:       req.ToStatusID,
		RolesAllowed:     roles,
		RequiresApproval: req.RequiresApproval,
		RequiresComment:  req.RequiresComment,
		ApprovalMode:     workflow.ApprovalMode(req.ApprovalMode),
		SLAHours:         req.SLAHours,
	})
	if err != nil {
		switch {
		case errors.Is(err, workflow.ErrStatusNotFound):
			writeError(w, http.StatusBadRequest, "from or to status not found in company")
		case errors.Is(err, workflow.ErrDuplicateEdge):
			writeError(w, http.StatusConflict, "an active definition already covers this edge")
		default:
			writeServerError(w, "create definition", err)
		}
		return
	}
	writeJSON(w, http.StatusCreated, toDefinitionResponse(def))
}

func (s *Server) handleDefinitionDetail(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing actor")
		return
	}

	definitionID := strings.TrimPrefix(r.URL.Path, "/api/workflow-definitions/")
	if definitionID == "" || strings.Contains(definitionID, "/") {
		writeError(w, http.StatusBadRequest, "definition id required")
		return
	}
	if r.Method != http.MethodDelete {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if actor.Role != identity.RoleAdmin {
		writeError(w, http.StatusForbidden, "admin role required")
		return
	}

	if err := s.registry.Deactivate(r.Context(), definitionID); err != nil {
		if errors.Is(err, workflow.ErrDefinitionNotFound) {
			writeError(w, http.StatusNotFound, "definition not found")
			return
		}
		writeServerError(w, "deactivate definition", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDepartments(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing actor")
		return
	}
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	departments, err := s.departments.ListByCompany(r.Context(), actor.CompanyID, intQuery(r, "limit", 100))
	if err != nil {
		writeServerError(w, "list departments", err)
		return
	}

	items := make([]departmentResponse, 0, len(departments))
	for _, dept := range departments {
		items = append(items, departmentResponse{
			ID:       dept.ID,
			BranchID: dept.BranchID,
			Name:     dept.Name,
		})
	}
	writeJSON(w, http.StatusOK, listResponse[departmentResponse]{Items: items, Total: len(items)})
}

func intQuery(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("api: encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func writeServerError(w http.ResponseWriter, op string, err error) {
	log.Printf("api: %s: %v", op, err)
	writeError(w, http.StatusInternalServerError, "internal error")
}

type listResponse[T any] struct {
	Items []T `json:"items"`
	Total int `json:"total"`
}

type userResponse struct {
	ID        string `json:"id"`
	CompanyID string `json:"company_id"`
	Email     string `json:"email"`
	FullName  string `json:"full_name"`
	Role      string `json:"role"`
}

type loginResponse struct {
	Token string       `json:"token"`
	User  userResponse `json:"user"`
}

type createDocumentRequest struct {
	Title    string `json:"title"`
	Number   string `json:"number"`
	Priority string `json:"priority"`
}

type documentResponse struct {
	ID              string  `json:"id"`
	Title           string  `json:"title"`
	Number          string  `json:"number"`
	StatusID        string  `json:"status_id"`
	Priority        string  `json:"priority"`
	EnteredStatusAt string  `json:"entered_status_at"`
	DueAt           *string `json:"due_at,omitempty"`
	CompletedAt     *string `json:"completed_at,omitempty"`
	Archived        bool    `json:"archived"`
	CreatedBy       *string `json:"created_by,omitempty"`
	CreatedAt       string  `json:"created_at"`
}

func toDocumentResponse(doc document.Document) documentResponse {
	resp := documentResponse{
		ID:              doc.ID,
		Title:           doc.Title,
		Number:          doc.Number,
		StatusID:        doc.StatusID,
		Priority:        string(doc.Priority),
		EnteredStatusAt: doc.EnteredStatusAt.Format(time.RFC3339),
		Archived:        doc.Archived,
		CreatedBy:       doc.CreatedBy,
		CreatedAt:       doc.CreatedAt.Format(time.RFC3339),
	}
	if doc.DueAt != nil {
		due := doc.DueAt.Format(time.RFC3339)
		resp.DueAt = &due
	}
	if doc.CompletedAt != nil {
		completed := doc.CompletedAt.Format(time.RFC3339)
		resp.CompletedAt = &completed
	}
	return resp
}

type transitionRequest struct {
	TargetStatusID string   `json:"target_status_id"`
	Comment        string   `json:"comment"`
	Approvers      []string `json:"approvers"`
}

type transitionResponse struct {
	Outcome           string           `json:"outcome"`
	Document          documentResponse `json:"document"`
	ApprovalRecordIDs []string         `json:"approval_record_ids,omitempty"`
}

type respondRequest struct {
	Decision string `json:"decision"`
	Comment  string `json:"comment"`
}

type respondResponse struct {
	Resolution        string           `json:"resolution"`
	Record            approvalResponse `json:"record"`
	CancelledSiblings int              `json:"cancelled_siblings,omitempty"`
}

type approvalResponse struct {
	ID          string  `json:"id"`
	DocumentID  string  `json:"document_id"`
	ApproverID  string  `json:"approver_id"`
	Level       int     `json:"level"`
	Status      string  `json:"status"`
	Comments    *string `json:"comments,omitempty"`
	RespondedAt *string `json:"responded_at,omitempty"`
}

func toApprovalResponse(rec approval.Record) approvalResponse {
	resp := approvalResponse{
		ID:         rec.ID,
		DocumentID: rec.DocumentID,
		ApproverID: rec.ApproverID,
		Level:      rec.Level,
		Status:     string(rec.Status),
		Comments:   rec.Comments,
	}
	if rec.RespondedAt != nil {
		at := rec.RespondedAt.Format(time.RFC3339)
		resp.RespondedAt = &at
	}
	return resp
}

type distributeRequest struct {
	DepartmentIDs []string `json:"department_ids"`
	RoutingNote   string   `json:"routing_note"`
}

type updateTargetRequest struct {
	Status             string `json:"status"`
	ResponseNote       string `json:"response_note"`
	ResponseDocumentID string `json:"response_document_id"`
	RejectedReason     string `json:"rejected_reason"`
}

type targetResponse struct {
	ID                 string  `json:"id"`
	DocumentID         string  `json:"document_id"`
	DepartmentID       string  `json:"department_id"`
	Status             string  `json:"status"`
	RoutingNote        *string `json:"routing_note,omitempty"`
	ResponseNote       *string `json:"response_note,omitempty"`
	RejectedReason     *string `json:"rejected_reason,omitempty"`
	ResponseDocumentID *string `json:"response_document_id,omitempty"`
	SentAt             string  `json:"sent_at"`
	RespondedAt        *string `json:"responded_at,omitempty"`
}

func toTargetResponse(target distribution.Target) targetResponse {
	resp := targetResponse{
		ID:                 target.ID,
		DocumentID:         target.DocumentID,
		DepartmentID:       target.DepartmentID,
		Status:             string(target.Status),
		RoutingNote:        target.RoutingNote,
		ResponseNote:       target.ResponseNote,
		RejectedReason:     target.RejectedReason,
		ResponseDocumentID: target.ResponseDocumentID,
		SentAt:             target.SentAt.Format(time.RFC3339),
	}
	if target.RespondedAt != nil {
		at := target.RespondedAt.Format(time.RFC3339)
		resp.RespondedAt = &at
	}
	return resp
}

type progressResponse struct {
	DocumentID  string           `json:"document_id"`
	Total       int              `json:"total"`
	ByStatus    map[string]int   `json:"by_status"`
	AllResolved bool             `json:"all_resolved"`
	Targets     []targetResponse `json:"targets"`
}

type createStatusRequest struct {
	Name      map[string]string `json:"name"`
	IsInitial bool              `json:"is_initial"`
	IsFinal   bool              `json:"is_final"`
}

type statusResponse struct {
	ID        string            `json:"id"`
	Name      map[string]string `json:"name"`
	IsInitial bool              `json:"is_initial"`
	IsFinal   bool              `json:"is_final"`
	Active    bool              `json:"active"`
}

func toStatusResponse(st workflow.Status) statusResponse {
	return statusResponse{
		ID:        st.ID,
		Name:      st.Name,
		IsInitial: st.IsInitial,
		IsFinal:   st.IsFinal,
		Active:    st.Active,
	}
}

type createDefinitionRequest struct {
	Name             string   `json:"name"`
	FromStatusID     string   `json:"from_status_id"`
	ToStatusID       string   `json:"to_status_id"`
	RolesAllowed     []string `json:"roles_allowed"`
	RequiresApproval bool     `json:"requires_approval"`
	RequiresComment  bool     `json:"requires_comment"`
	ApprovalMode     string   `json:"approval_mode"`
	SLAHours         *int     `json:"sla_hours"`
}

type definitionResponse struct {
	ID               string   `json:"id"`
	Name             string   `json:"name"`
	FromStatusID     string   `json:"from_status_id"`
	ToStatusID       string   `json:"to_status_id"`
	RolesAllowed     []string `json:"roles_allowed"`
	RequiresApproval bool     `json:"requires_approval"`
	RequiresComment  bool     `json:"requires_comment"`
	ApprovalMode     string   `json:"approval_mode"`
	SLAHours         *int     `json:"sla_hours,omitempty"`
}

func toDefinitionResponse(def workflow.Definition) definitionResponse {
	roles := make([]string, 0, len(def.RolesAllowed))
	for _, role := range def.RolesAllowed {
		roles = append(roles, string(role))
	}
	return definitionResponse{
		ID:               def.ID,
		Name:             def.Name,
		FromStatusID:     def.FromStatusID,
		ToStatusID:       def.ToStatusID,
		RolesAllowed:     roles,
		RequiresApproval: def.RequiresApproval,
		RequiresComment:  def.RequiresComment,
		ApprovalMode:     string(def.ApprovalMode),
		SLAHours:         def.SLAHours,
	}
}

type departmentResponse struct {
	ID       string  `json:"id"`
	BranchID *string `json:"branch_id,omitempty"`
	Name     string  `json:"name"`
}
