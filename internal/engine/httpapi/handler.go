// Package httpapi implements the Boundary (C10): request authn/authz,
// the four public entry points (createRun, executeRun, tickAll,
// eventsStream) plus the thin workspace/tool CRUD surface and the
// ambient system/metrics/health endpoints every service in this house
// style exposes. Grounded on internal/app/httpapi/handler.go's
// single-mux-many-handlers shape.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/r3e-network/workflow-engine/internal/engine/core"
	"github.com/r3e-network/workflow-engine/internal/engine/domain"
	"github.com/r3e-network/workflow-engine/internal/engine/lifecycle"
	"github.com/r3e-network/workflow-engine/internal/engine/refstub"
	"github.com/r3e-network/workflow-engine/internal/engine/scheduler"
	"github.com/r3e-network/workflow-engine/internal/engine/storage"
	"github.com/r3e-network/workflow-engine/internal/engine/stream"
	"github.com/r3e-network/workflow-engine/pkg/logger"
)

// handler bundles every HTTP endpoint the Boundary exposes.
type handler struct {
	store     storage.Store
	lifecycle *lifecycle.Manager
	scheduler *scheduler.Scheduler
	fanout    *stream.Fanout
	planner   refstub.Planner
	providers []core.DescriptorProvider
	log       *logger.Logger
}

// NewHandler returns a mux exposing the engine's REST + SSE surface.
func NewHandler(store storage.Store, lc *lifecycle.Manager, sched *scheduler.Scheduler, fanout *stream.Fanout, planner refstub.Planner, providers []core.DescriptorProvider, log *logger.Logger) http.Handler {
	if log == nil {
		log = logger.NewDefault("http")
	}
	if planner == nil {
		planner = refstub.NewStaticPlanner()
	}
	h := &handler{store: store, lifecycle: lc, scheduler: sched, fanout: fanout, planner: planner, providers: providers, log: log}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", h.health)
	mux.HandleFunc("/system/descriptors", h.systemDescriptors)
	mux.HandleFunc("/workspaces", h.workspaces)
	mux.HandleFunc("/workspaces/", h.workspaceResources)
	mux.HandleFunc("/runs", h.createRun)
	mux.HandleFunc("/runs/", h.runResources)
	mux.HandleFunc("/internal/tick", h.tickAll)
	return mux
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *handler) systemDescriptors(w http.ResponseWriter, r *http.Request) {
	out := make([]core.Descriptor, 0, len(h.providers))
	for _, p := range h.providers {
		out = append(out, p.Descriptor())
	}
	writeJSON(w, http.StatusOK, out)
}

// --- Workspaces / Tools --------------------------------------------------

func (h *handler) workspaces(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var payload struct {
			Name     string                   `json:"name"`
			Settings domain.WorkspaceSettings `json:"settings"`
		}
		if err := decodeJSON(r.Body, &payload); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		ws := domain.Workspace{ID: uuid.NewString(), Name: payload.Name, Settings: payload.Settings}
		if err := h.store.Workspaces.PutWorkspace(r.Context(), ws); err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusCreated, ws)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (h *handler) workspaceResources(w http.ResponseWriter, r *http.Request) {
	trimmed := strings.Trim(strings.TrimPrefix(r.URL.Path, "/workspaces"), "/")
	parts := strings.Split(trimmed, "/")
	if len(parts) == 0 || parts[0] == "" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	workspaceID := parts[0]

	if len(parts) >= 2 && parts[1] == "tools" {
		h.tools(w, r, workspaceID)
		return
	}

	switch r.Method {
	case http.MethodGet:
		ws, err := h.store.Workspaces.GetWorkspace(r.Context(), workspaceID)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, ws)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (h *handler) tools(w http.ResponseWriter, r *http.Request, workspaceID string) {
	switch r.Method {
	case http.MethodPost:
		var t domain.Tool
		if err := decodeJSON(r.Body, &t); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		t.ID = uuid.NewString()
		t.WorkspaceID = workspaceID
		if err := h.store.Tools.PutTool(r.Context(), t); err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusCreated, t)
	case http.MethodGet:
		tools, err := h.store.Tools.ListToolsByWorkspace(r.Context(), workspaceID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, tools)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// --- Runs ------------------------------------------------------------

// createRun implements spec §4.10's createRun(user, workspaceId, intent,
// voiceTranscript?, budgetMaxAtomic?).
func (h *handler) createRun(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var payload struct {
		WorkspaceID     string `json:"workspaceId"`
		Intent          string `json:"intent"`
		VoiceTranscript string `json:"voiceTranscript"`
		BudgetMaxAtomic string `json:"budgetMaxAtomic"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := checkMembership(r.Context(), payload.WorkspaceID); err != nil {
		writeError(w, http.StatusForbidden, err)
		return
	}

	ctx := r.Context()
	ws, err := h.store.Workspaces.GetWorkspace(ctx, payload.WorkspaceID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	tools, err := h.store.Tools.ListToolsByWorkspace(ctx, payload.WorkspaceID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	now := time.Now().UTC()
	run := domain.Run{
		ID:          uuid.NewString(),
		WorkspaceID: payload.WorkspaceID,
		CreatedBy:   userFromCtx(ctx),
		Input:       domain.RunInput{Text: payload.Intent, VoiceTranscript: payload.VoiceTranscript},
		Budget:      domain.Budget{MaxAtomic: payload.BudgetMaxAtomic, SpentAtomic: "0"},
		AutoPayPolicy: domain.AutoPayPolicy{
			AutoPayEnabled:          ws.Settings.AutoPayEnabled,
			AutoPayMaxPerStepAtomic: ws.Settings.AutoPayMaxPerStepAtomic,
			AutoPayMaxPerRunAtomic:  ws.Settings.AutoPayMaxPerRunAtomic,
			ToolAllowlist:           ws.Settings.ToolAllowlist,
			WalletAddress:           ws.Settings.WalletAddress,
		},
		CreatedAt: now,
		UpdatedAt: now,
	}

	plan, planErr := h.planner.Plan(ctx, payload.Intent, tools, payload.BudgetMaxAtomic, ws.Settings.AutoPayEnabled)
	if planErr != nil || !plan.Success {
		run.Status = domain.RunFailed
		run.Graph = refstub.FallbackGraph(payload.Intent)
		if err := h.store.Runs.PutRun(ctx, run); err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		reason := plan.Error
		if planErr != nil {
			reason = planErr.Error()
		}
		h.appendEvent(ctx, run, domain.EventRunPlanningFailed, map[string]any{"reason": reason})
		writeJSON(w, http.StatusCreated, run)
		return
	}

	if err := domain.ValidateGraph(plan.Graph); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("planner produced invalid graph: %w", err))
		return
	}

	run.Status = domain.RunQueued
	run.Graph = plan.Graph
	if err := h.store.Runs.PutRun(ctx, run); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if err := h.lifecycle.Materialize(ctx, run); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	h.appendEvent(ctx, run, domain.EventRunCreated, map[string]any{"intent": payload.Intent})
	writeJSON(w, http.StatusCreated, run)
}

func (h *handler) runResources(w http.ResponseWriter, r *http.Request) {
	trimmed := strings.Trim(strings.TrimPrefix(r.URL.Path, "/runs"), "/")
	parts := strings.Split(trimmed, "/")
	if len(parts) == 0 || parts[0] == "" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	runID := parts[0]
	var sub string
	if len(parts) >= 2 {
		sub = parts[1]
	}

	switch {
	case sub == "" && r.Method == http.MethodGet:
		h.getRun(w, r, runID)
	case sub == "execute" && r.Method == http.MethodPost:
		h.executeRun(w, r, runID)
	case sub == "cancel" && r.Method == http.MethodPost:
		h.cancelRun(w, r, runID)
	case sub == "events" && r.Method == http.MethodGet:
		h.eventsStream(w, r, runID)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (h *handler) getRun(w http.ResponseWriter, r *http.Request, runID string) {
	run, err := h.store.Runs.GetRun(r.Context(), runID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if err := checkMembership(r.Context(), run.WorkspaceID); err != nil {
		writeError(w, http.StatusForbidden, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// executeRun implements spec §4.10's executeRun(user, runId).
func (h *handler) executeRun(w http.ResponseWriter, r *http.Request, runID string) {
	ctx := r.Context()
	run, err := h.store.Runs.GetRun(ctx, runID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if err := checkMembership(ctx, run.WorkspaceID); err != nil {
		writeError(w, http.StatusForbidden, err)
		return
	}

	switch run.Status {
	case domain.RunQueued:
		run, err = h.store.Runs.CompareAndSwapRunStatus(ctx, runID, []domain.RunStatus{domain.RunQueued}, domain.RunRunning)
		if err != nil {
			writeError(w, http.StatusConflict, err)
			return
		}
		h.appendEvent(ctx, run, domain.EventRunStarted, nil)
	case domain.RunRunning, domain.RunPausedForApproval:
		// already executable, no transition needed.
	default:
		writeError(w, http.StatusBadRequest, ErrBadRunStatus)
		return
	}

	counts := h.scheduler.Tick(ctx, 10, 1, scheduler.Scope{RunID: runID})
	writeJSON(w, http.StatusOK, counts)
}

func (h *handler) cancelRun(w http.ResponseWriter, r *http.Request, runID string) {
	ctx := r.Context()
	run, err := h.store.Runs.GetRun(ctx, runID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if err := checkMembership(ctx, run.WorkspaceID); err != nil {
		writeError(w, http.StatusForbidden, err)
		return
	}
	if run.Status.Terminal() {
		writeJSON(w, http.StatusOK, run)
		return
	}
	run, err = h.store.Runs.CompareAndSwapRunStatus(ctx, runID, []domain.RunStatus{run.Status}, domain.RunCanceled)
	if err != nil {
		if storage.IsConflict(err) {
			writeJSON(w, http.StatusOK, run)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	h.appendEvent(ctx, run, domain.EventRunCanceled, nil)
	writeJSON(w, http.StatusOK, run)
}

// tickAll implements spec §4.10's tickAll(cronAuth): bearer secret checked
// by wrapWithAuth already; this handler just invokes the unscoped tick.
func (h *handler) tickAll(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	counts := h.scheduler.Tick(r.Context(), 10, 5, scheduler.Scope{})
	writeJSON(w, http.StatusOK, counts)
}

// eventsStream implements spec §4.9 over Server-Sent Events framing.
func (h *handler) eventsStream(w http.ResponseWriter, r *http.Request, runID string) {
	ctx := r.Context()
	run, err := h.store.Runs.GetRun(ctx, runID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if err := checkMembership(ctx, run.WorkspaceID); err != nil {
		writeError(w, http.StatusForbidden, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, fmt.Errorf("streaming unsupported"))
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache, no-transform")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	subCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	sc := stream.NewSafeChannel(8)
	done := make(chan error, 1)
	go func() { done <- h.fanout.Subscribe(subCtx, runID, sc) }()

	enc := json.NewEncoder(w)
	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-sc.Out:
			if !ok {
				if err := <-done; err != nil {
					h.log.WithError(err).WithField("run_id", runID).Warn("httpapi: event stream ended with error")
				}
				return
			}
			if frame.Type == stream.FramePing {
				fmt.Fprint(w, ": ping\n\n")
				flusher.Flush()
				continue
			}
			fmt.Fprint(w, "data: ")
			_ = enc.Encode(frame)
			fmt.Fprint(w, "\n")
			flusher.Flush()
			if frame.Type == stream.FrameRunComplete {
				return
			}
		}
	}
}

func (h *handler) appendEvent(ctx context.Context, run domain.Run, evType domain.EventType, data map[string]any) {
	_, err := h.store.Events.AppendEvent(ctx, domain.Event{
		RunID:       run.ID,
		WorkspaceID: run.WorkspaceID,
		Type:        evType,
		Data:        data,
		Actor:       domain.Actor{Type: domain.ActorUser, ID: run.CreatedBy},
	})
	if err != nil {
		h.log.WithError(err).WithField("run_id", run.ID).Warn("httpapi: append event failed")
	}
}

func decodeJSON(body io.ReadCloser, dst any) error {
	defer body.Close()
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}

func writeStoreError(w http.ResponseWriter, err error) {
	var nf *storage.NotFoundError
	if errors.As(err, &nf) {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeError(w, http.StatusInternalServerError, err)
}
