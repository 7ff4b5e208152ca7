package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"github.com/gcdistribution/portal/internal/auth"
	"github.com/gcdistribution/portal/internal/config"
	"github.com/gcdistribution/portal/internal/control"
	"github.com/gcdistribution/portal/internal/runstore"
	"github.com/gcdistribution/portal/internal/worker"
)

// Upload form fields.
const (
	fieldFile         = "file"
	fieldEmail        = "email"
	fieldEnv          = "env"
	fieldClient       = "client"
	fieldAmountType   = "amountType"
	fieldCommission   = "rzpCommission"
	fieldConnectionID = "connectionId"
)

const (
	defaultEnv        = "PROD"
	defaultAmountType = "rupee"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

type loginRequest struct {
	Email    string `json:"email"`
	Username string `json:"username"`
	Password string `json:"password"`
}

// handleLogin handles POST /auth/login. Attempts are throttled per login
// name and client address.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	login := req.Email
	if login == "" {
		login = req.Username
	}
	if login == "" {
		respondError(w, http.StatusBadRequest, "Email required")
		return
	}

	ip := extractIP(r)
	key := throttleKey(login, ip)
	decision := s.logins.admit(key)
	if !decision.allowed {
		s.log.Warn("login throttled", "login", login, "ip", ip, "blocked", decision.blocked, "retry_after", decision.retryAfter)
		w.Header().Set("Retry-After", strconv.Itoa(decision.retryAfterSeconds()))
		respondError(w, http.StatusTooManyRequests, "Too many login attempts")
		return
	}

	user, err := auth.Authenticate(s.deps.Static.Static(), login, req.Password)
	if err != nil {
		if !errors.Is(err, auth.ErrInvalidCredentials) {
			s.log.Error("login check failed", "login", login, "error", err)
		}
		s.logins.failed(key)
		respondError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	s.logins.succeeded(key)

	token, session, err := s.deps.Sessions.Issue(auth.NewSession(user))
	if err != nil {
		s.log.Error("issue token", "error", err)
		respondError(w, http.StatusInternalServerError, "Server error")
		return
	}

	s.log.Info("user logged in", "user", session.Email, "ip", ip)
	respondJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"token":   token,
		"user":    session,
	})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	token, ok := auth.BearerToken(r.Header.Get("Authorization"))
	if !ok {
		token = r.URL.Query().Get("token")
	}
	s.deps.Sessions.Revoke(token)
	respondJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "Logged out",
	})
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	session, _ := sessionFrom(r)
	respondJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"user":    session,
	})
}

// handleUpload handles POST /stock/upload: it validates the form, creates the
// run workspace and starts the worker. Validation happens before anything
// is written to disk.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			respondError(w, http.StatusRequestEntityTooLarge, "File too large")
			return
		}
		respondError(w, http.StatusBadRequest, "Failed to parse form")
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile(fieldFile)
	if err != nil {
		respondError(w, http.StatusBadRequest, "File required")
		return
	}
	defer file.Close()

	env := strings.ToUpper(strings.TrimSpace(r.FormValue(fieldEnv)))
	if env == "" {
		env = defaultEnv
	}
	creds, ok := s.deps.Static.Static().Credentials(env)
	if !ok {
		respondError(w, http.StatusBadRequest, fmt.Sprintf("Unknown environment %q", env))
		return
	}

	var client runstore.Client
	if raw := strings.TrimSpace(r.FormValue(fieldClient)); raw != "" {
		if err := json.Unmarshal([]byte(raw), &client); err != nil {
			respondError(w, http.StatusBadRequest, "Invalid client")
			return
		}
	}

	commissionInput := r.FormValue(fieldCommission)
	commission, err := ParseCommission(commissionInput)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	amountType := r.FormValue(fieldAmountType)
	if amountType == "" {
		amountType = defaultAmountType
	}

	meta := runstore.Meta{
		User:            s.uploader(r),
		Env:             env,
		Client:          client,
		AmountType:      amountType,
		CommissionInput: commissionInput,
	}

	run, err := s.deps.Store.CreateRun(file, header.Filename, meta)
	if err != nil {
		s.log.Error("create run", "file", header.Filename, "error", err)
		respondError(w, http.StatusInternalServerError, "Failed to create run")
		return
	}
	log := s.log.With("run", run.ID)

	// Subscribe the initiating connection before the worker can emit.
	if connID := r.FormValue(fieldConnectionID); connID != "" {
		if !s.deps.Relay.Attach(connID, run.ID) {
			log.Debug("upload connection not open", "conn", connID)
		}
	}

	handle, err := s.deps.Workers.Start(run, worker.Credentials{Username: creds.Username, Password: creds.Password}, commission)
	if err != nil {
		log.Error("start worker", "error", err)
		respondError(w, http.StatusInternalServerError, "Failed to start worker")
		return
	}

	log.Info("run started", "file", header.Filename, "user", meta.User, "env", env, "commission", commission)
	respondJSON(w, http.StatusOK, map[string]any{
		"success":            true,
		"runId":              run.ID,
		"runFolder":          run.Workspace,
		"procurementBatchId": run.BatchID,
		"pid":                handle.PID,
	})
}

// uploader names the submitting user: the form's email field, falling back
// to the session.
func (s *Server) uploader(r *http.Request) string {
	if email := strings.TrimSpace(r.FormValue(fieldEmail)); email != "" {
		return email
	}
	if session, ok := sessionFrom(r); ok && session.Email != "" {
		return session.Email
	}
	return "unknown"
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := s.deps.Store.ListRuns()
	if err != nil {
		s.log.Error("list runs", "error", err)
		respondError(w, http.StatusInternalServerError, "Failed to list runs")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"runs":    runs,
	})
}

type controlRequest struct {
	Action string `json:"action"`
}

// handleControl handles POST /stock/control/{runId}.
func (s *Server) handleControl(w http.ResponseWriter, r *http.Request) {
	runID := mux.Vars(r)["runId"]

	var req controlRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	state, err := s.deps.Control.SetState(runID, req.Action)
	if err != nil {
		s.respondControlError(w, runID, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"state":   state,
	})
}

// handleControlState handles GET /stock/control/{runId}.
func (s *Server) handleControlState(w http.ResponseWriter, r *http.Request) {
	runID := mux.Vars(r)["runId"]

	state, err := s.deps.Control.State(runID)
	if err != nil {
		s.respondControlError(w, runID, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"state":   state,
	})
}

func (s *Server) respondControlError(w http.ResponseWriter, runID string, err error) {
	switch {
	case errors.Is(err, control.ErrInvalidAction):
		respondError(w, http.StatusBadRequest, "Invalid action")
	case errors.Is(err, runstore.ErrRunNotFound):
		respondError(w, http.StatusNotFound, "Run not found")
	default:
		s.log.Error("run control", "run", runID, "error", err)
		respondError(w, http.StatusInternalServerError, "Cannot update control")
	}
}

// handleDownload handles GET /stock/download/{runId}/{filename}.
func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	runID, filename := vars["runId"], vars["filename"]

	path, err := s.deps.Store.ResolveFile(runID, filename)
	if err != nil {
		if errors.Is(err, runstore.ErrRunNotFound) || errors.Is(err, os.ErrNotExist) {
			respondError(w, http.StatusNotFound, "File not found")
			return
		}
		s.log.Error("resolve download", "run", runID, "file", filename, "error", err)
		respondError(w, http.StatusInternalServerError, "Server error")
		return
	}

	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": filename}))
	if strings.EqualFold(filepath.Ext(filename), ".csv") {
		w.Header().Set("Content-Type", "text/csv")
	}
	http.ServeFile(w, r, path)
}

func (s *Server) handleClients(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"clients": s.deps.Static.Static().Clients,
	})
}

func (s *Server) handleSaveClients(w http.ResponseWriter, r *http.Request) {
	var clients []config.Client
	if err := json.NewDecoder(r.Body).Decode(&clients); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if err := config.SaveClients(s.cfg.ConfigDir, clients); err != nil {
		if config.IsValidationError(err) {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.log.Error("save clients", "error", err)
		respondError(w, http.StatusInternalServerError, "Failed to save clients")
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "Clients saved successfully",
	})
}
