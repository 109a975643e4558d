package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/hyper-ai-inc/pullbroker/internal/approvals"
	"github.com/hyper-ai-inc/pullbroker/internal/auth"
	"github.com/hyper-ai-inc/pullbroker/internal/broker"
	"github.com/hyper-ai-inc/pullbroker/internal/commands"
	"github.com/hyper-ai-inc/pullbroker/internal/config"
	"github.com/hyper-ai-inc/pullbroker/internal/fileops"
	"github.com/hyper-ai-inc/pullbroker/internal/fs"
	"github.com/hyper-ai-inc/pullbroker/internal/journal"
	"github.com/hyper-ai-inc/pullbroker/internal/notify"
	"github.com/hyper-ai-inc/pullbroker/internal/sessions"
	"github.com/hyper-ai-inc/pullbroker/internal/ws"
	"github.com/rs/zerolog"
)

const (
	maxBodySize         = 32 << 20
	defaultHistoryLimit = 100
)

type Server struct {
	log      zerolog.Logger
	auth     *auth.Middleware
	hub      *notify.Hub
	sessions *sessions.Manager
	gate     *approvals.Gate
	files    *fileops.Service
	commands *commands.Service
	bundles  *fs.Workspace
	journal  *journal.Journal
	wsRouter *ws.Router
}

// NewServer wires the brokers together. jrnl may be nil.
func NewServer(cfg config.Config, jrnl *journal.Journal, log zerolog.Logger) *Server {
	hub := notify.NewHub()
	go hub.Run()

	observers := []broker.Observer{hub}
	if jrnl != nil {
		observers = append(observers, jrnl)
	}

	sm := sessions.NewManager()
	gate := approvals.NewGate(
		approvals.WithObserver(observers...),
		approvals.WithLogger(log),
	)

	s := &Server{
		log:      log.With().Str("component", "server").Logger(),
		auth:     auth.NewMiddleware(cfg.Token),
		hub:      hub,
		sessions: sm,
		gate:     gate,
		files: fileops.NewService(
			fileops.WithApprover(gate),
			fileops.WithTimeouts(cfg.Timeouts.Read.Std(), cfg.Timeouts.Write.Std(), cfg.Timeouts.Approval.Std()),
			fileops.WithObserver(observers...),
			fileops.WithLogger(log),
		),
		commands: commands.NewService(
			commands.WithApprover(gate),
			commands.WithSessions(sm),
			commands.WithTimeout(cfg.Timeouts.Command.Std()),
			commands.WithHistory(cfg.CommandHistory),
			commands.WithObserver(observers...),
			commands.WithLogger(log),
		),
		bundles:  fs.NewWorkspace(cfg.BundleDir),
		journal:  jrnl,
		wsRouter: ws.NewRouter(hub, sm, log),
	}
	s.commands.SetApprovalTimeout(cfg.Timeouts.Approval.Std())

	if !s.auth.IsEnabled() {
		s.log.Warn().Msg("no token configured, every authenticated route will answer 401")
	}
	return s
}

// Close stops the wake hub.
func (s *Server) Close() {
	s.hub.Stop()
}

// Reload applies the parts of cfg that can change while running.
func (s *Server) Reload(cfg config.Config) {
	s.files.SetTimeouts(cfg.Timeouts.Read.Std(), cfg.Timeouts.Write.Std(), cfg.Timeouts.Approval.Std())
	s.commands.SetTimeout(cfg.Timeouts.Command.Std())
	s.commands.SetApprovalTimeout(cfg.Timeouts.Approval.Std())
	s.auth.SetToken(cfg.Token)
	s.log.Info().
		Dur("read", cfg.Timeouts.Read.Std()).
		Dur("write", cfg.Timeouts.Write.Std()).
		Dur("command", cfg.Timeouts.Command.Std()).
		Dur("approval", cfg.Timeouts.Approval.Std()).
		Msg("config reloaded")
}

// sweepLoop drops operations whose callers gave up more than ttl ago.
func (s *Server) sweepLoop(ctx context.Context, ttl time.Duration) {
	ticker := time.NewTicker(ttl / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.sweep(now.Add(-ttl))
		}
	}
}

func (s *Server) sweep(cutoff time.Time) int {
	n := s.files.Sweep(cutoff) + s.commands.Sweep(cutoff) + s.gate.Sweep(cutoff)
	if n > 0 {
		s.log.Info().Int("swept", n).Msg("orphaned operations removed")
	}
	return n
}

func (s *Server) Handler() http.Handler {
	api := http.NewServeMux()

	// Files
	api.HandleFunc("POST /files/read", s.handleReadFile)
	api.HandleFunc("POST /files/list", s.handleListDirectory)
	api.HandleFunc("POST /files/write", s.handleWriteFile)
	api.HandleFunc("POST /files/bundle", s.handleCreateBundle)

	// Bundles
	api.HandleFunc("GET /bundles", s.handleListBundles)
	api.HandleFunc("GET /bundles/{name}", s.handleGetBundle)
	api.HandleFunc("DELETE /bundles/{name}", s.handleDeleteBundle)

	// Commands
	api.HandleFunc("POST /commands", s.handleRunCommand)
	api.HandleFunc("GET /commands/{id}", s.handleGetCommand)

	// Sessions
	api.HandleFunc("POST /sessions", s.handleCreateSession)
	api.HandleFunc("GET /sessions", s.handleListSessions)
	api.HandleFunc("DELETE /sessions/{id}", s.handleDeleteSession)

	api.HandleFunc("GET /history", s.handleHistory)

	// Agent
	api.HandleFunc("GET /agent/files/poll", s.handlePollFile)
	api.HandleFunc("POST /agent/files/result", s.handleFileResult)
	api.HandleFunc("GET /agent/commands/poll", s.handlePollCommand)
	api.HandleFunc("POST /agent/commands/result", s.handleCommandResult)
	api.HandleFunc("GET /agent/approvals/poll", s.handlePollApproval)
	api.HandleFunc("POST /agent/approvals/respond", s.handleApprovalResponse)
	api.HandleFunc("GET /agent/events", s.wsRouter.HandleEvents)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("/", s.auth.RequireAuth(api))
	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize)).Decode(v); err != nil {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

// writeError maps broker and workspace errors to status codes.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	var remote *fileops.RemoteError
	switch {
	case errors.Is(err, broker.ErrTimeout):
		http.Error(w, err.Error(), http.StatusGatewayTimeout)
	case errors.As(err, &remote):
		http.Error(w, err.Error(), http.StatusBadGateway)
	case errors.Is(err, fileops.ErrApprovalDenied), errors.Is(err, commands.ErrApprovalDenied):
		http.Error(w, err.Error(), http.StatusForbidden)
	case errors.Is(err, fs.ErrNotFound), errors.Is(err, sessions.ErrSessionNotFound), errors.Is(err, broker.ErrUnknownOperation):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, fs.ErrPathTraversal), errors.Is(err, fs.ErrNotDirectory):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, context.Canceled):
		// Caller went away; nobody reads this.
		w.WriteHeader(499)
	default:
		s.log.Error().Err(err).Msg("request failed")
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"pending": map[string]int{
			"files":     s.files.Pending(),
			"commands":  s.commands.Pending(),
			"approvals": s.gate.Pending(),
		},
		"agents": s.hub.ClientCount(),
	})
}

// File handlers

func (s *Server) handleReadFile(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Path    string `json:"path"`
		MaxSize int    `json:"max_size"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Path == "" {
		http.Error(w, "path required", http.StatusBadRequest)
		return
	}

	res, err := s.files.ReadFile(r.Context(), req.Path, req.MaxSize)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleListDirectory(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Path string `json:"path"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Path == "" {
		req.Path = "/"
	}

	listing, err := s.files.ListDirectory(r.Context(), req.Path)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, listing)
}

func (s *Server) handleWriteFile(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Path      string `json:"path"`
		Content   string `json:"content"`
		SessionID string `json:"session_id"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Path == "" {
		http.Error(w, "path required", http.StatusBadRequest)
		return
	}

	if err := s.files.WriteFile(r.Context(), req.Path, req.Content, req.SessionID); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleCreateBundle(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SourcePath string `json:"source_path"`
		OutputName string `json:"output_name"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.SourcePath == "" {
		http.Error(w, "source_path required", http.StatusBadRequest)
		return
	}

	bundle, err := s.bundles.CreateBundle(req.SourcePath, req.OutputName)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.log.Info().Str("source", req.SourcePath).Str("bundle", bundle.Name).Str("size", humanize.Bytes(uint64(bundle.Size))).Msg("bundle created")
	writeJSON(w, http.StatusOK, bundle)
}

// Bundle handlers

func (s *Server) handleListBundles(w http.ResponseWriter, r *http.Request) {
	bundles, err := s.bundles.Bundles()
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"bundles": bundles})
}

func (s *Server) handleGetBundle(w http.ResponseWriter, r *http.Request) {
	f, bundle, err := s.bundles.OpenBundle(r.PathValue("name"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	defer f.Close()

	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", `attachment; filename="`+bundle.Name+`"`)
	http.ServeContent(w, r, bundle.Name, bundle.ModTime, f)
}

func (s *Server) handleDeleteBundle(w http.ResponseWriter, r *http.Request) {
	if err := s.bundles.DeleteBundle(r.PathValue("name")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Command handlers

type commandStatus struct {
	CommandID string           `json:"command_id"`
	Status    string           `json:"status"`
	Result    *commands.Result `json:"result,omitempty"`
}

func (s *Server) handleRunCommand(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Command          string `json:"command"`
		WorkingDirectory string `json:"working_directory"`
		SessionID        string `json:"session_id"`
		Async            bool   `json:"async"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Command == "" {
		http.Error(w, "command required", http.StatusBadRequest)
		return
	}

	if req.Async {
		id, err := s.commands.StartCommand(r.Context(), req.Command, req.WorkingDirectory, req.SessionID)
		if err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, commandStatus{CommandID: id, Status: string(broker.StatusPending)})
		return
	}

	res, err := s.commands.QueueCommand(r.Context(), req.Command, req.WorkingDirectory, req.SessionID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleGetCommand(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	if res := s.commands.GetCommandStatus(id); res != nil {
		writeJSON(w, http.StatusOK, commandStatus{CommandID: id, Status: "completed", Result: res})
		return
	}
	if status := s.commands.GetPendingStatus(id); status != "" {
		writeJSON(w, http.StatusOK, commandStatus{CommandID: id, Status: status})
		return
	}
	http.Error(w, "command not found", http.StatusNotFound)
}

// Session handlers

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		WorkingDirectory string `json:"working_directory"`
		ClientVersion    string `json:"client_version"`
	}
	if r.ContentLength != 0 && !decodeJSON(w, r, &req) {
		return
	}

	session := s.sessions.Create(req.WorkingDirectory, req.ClientVersion)
	s.log.Info().Str("session_id", session.ID).Str("working_directory", session.WorkingDirectory).Msg("session created")
	writeJSON(w, http.StatusCreated, session)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"sessions": s.sessions.List()})
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := s.sessions.Delete(r.PathValue("id")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		http.Error(w, "journal disabled", http.StatusNotFound)
		return
	}

	limit := defaultHistoryLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}

	entries, err := s.journal.Recent(r.Context(), limit, r.URL.Query().Get("op_id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": entries})
}

// Agent handlers

func (s *Server) handlePollFile(w http.ResponseWriter, r *http.Request) {
	op := s.files.PollPendingOperation()
	if op == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, op)
}

func (s *Server) handleFileResult(w http.ResponseWriter, r *http.Request) {
	var res fileops.Result
	if !decodeJSON(w, r, &res) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"matched": s.files.SubmitResult(res)})
}

func (s *Server) handlePollCommand(w http.ResponseWriter, r *http.Request) {
	req := s.commands.PollPendingCommand()
	if req == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (s *Server) handleCommandResult(w http.ResponseWriter, r *http.Request) {
	var res commands.Result
	if !decodeJSON(w, r, &res) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"matched": s.commands.SubmitResult(res)})
}

func (s *Server) handlePollApproval(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session_id")
	if sessionID != "" {
		s.sessions.Touch(sessionID)
	}

	req := s.gate.PollPendingApproval(sessionID)
	if req == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (s *Server) handleApprovalResponse(w http.ResponseWriter, r *http.Request) {
	var resp approvals.Response
	if !decodeJSON(w, r, &resp) {
		return
	}
	if resp.ApprovalID == "" {
		http.Error(w, "approval_id required", http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"matched": s.gate.SubmitResponse(resp.ApprovalID, resp.Approved)})
}
