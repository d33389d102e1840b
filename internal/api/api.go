// ABOUTME: HTTP management surface over the fleet, approvals, and provisioner.
// ABOUTME: All routes live under /moltagent; dashboards redact secrets.

package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/rudycelekli/moltbot/internal/approval"
	"github.com/rudycelekli/moltbot/internal/bootstrap"
	"github.com/rudycelekli/moltbot/internal/fleet"
	"github.com/rudycelekli/moltbot/internal/manifest"
	"github.com/rudycelekli/moltbot/internal/protocol"
	"github.com/rudycelekli/moltbot/internal/provision"
	"github.com/rudycelekli/moltbot/internal/server"
)

// defaultPageSize bounds paginated responses when no limit is given.
const defaultPageSize = 50

// API exposes the dashboard and lifecycle operations over HTTP.
type API struct {
	token          string
	fleet          *fleet.Manager
	approvals      *approval.Manager
	plane          *server.Server
	provisioner    *provision.Provisioner
	metricsHandler http.Handler
	logger         *slog.Logger
}

// New assembles the management surface. metricsHandler may be nil.
func New(token string, fleetMgr *fleet.Manager, approvals *approval.Manager, plane *server.Server, provisioner *provision.Provisioner, metricsHandler http.Handler, logger *slog.Logger) *API {
	return &API{
		token:          token,
		fleet:          fleetMgr,
		approvals:      approvals,
		plane:          plane,
		provisioner:    provisioner,
		metricsHandler: metricsHandler,
		logger:         logger,
	}
}

// Router builds the chi router with every management route.
func (a *API) Router() http.Handler {
	r := chi.NewRouter()
	r.Route("/moltagent", func(r chi.Router) {
		r.Get("/health", a.handleHealth)
		r.Post("/boot-ping", a.handleBootPing)
		if a.metricsHandler != nil {
			r.Handle("/metrics", a.metricsHandler)
		}

		r.Group(func(r chi.Router) {
			r.Use(a.authMiddleware)

			r.Get("/dashboard/overview", a.handleOverview)
			r.Get("/dashboard/agents", a.handleListAgents)
			r.Post("/dashboard/agents", a.handleCreateAgent)
			r.Get("/dashboard/agents/{id}", a.handleGetAgent)
			r.Delete("/dashboard/agents/{id}", a.handleDeleteAgent)
			r.Get("/dashboard/agents/{id}/actions", a.handleAgentActions)
			r.Get("/dashboard/agents/{id}/actions/history", a.handleActionHistory)
			r.Post("/dashboard/agents/{id}/message", a.handleSendMessage)
			r.Post("/dashboard/agents/{id}/goals", a.handleUpdateGoals)
			r.Post("/dashboard/agents/{id}/knowledge", a.handleInjectKnowledge)
			r.Post("/dashboard/agents/{id}/restart", a.handleRestart)
			r.Get("/dashboard/approvals", a.handlePendingApprovals)
			r.Get("/dashboard/approvals/history", a.handleApprovalHistory)
			r.Post("/dashboard/approvals/{id}/respond", a.handleRespond)
		})
	})
	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleBootPing receives the best-effort readiness ping a fresh node sends
// at the end of its bootstrap script.
func (a *API) handleBootPing(w http.ResponseWriter, r *http.Request) {
	var body struct {
		AgentID string `json:"agentId"`
		Event   string `json:"event"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	if body.AgentID != "" {
		a.logger.Info("boot ping received", "agent_id", body.AgentID, "event", body.Event)
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (a *API) handleOverview(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"fleet":     a.fleet.FleetSummary(),
		"approvals": a.approvals.QueueSummary(),
		"online":    a.plane.OnlineAgents(),
	})
}

// agentSummary is the list-view projection of a fleet record.
type agentSummary struct {
	AgentID       string           `json:"agentId"`
	Name          string           `json:"name"`
	Connection    fleet.Connection `json:"connection"`
	InstanceID    string           `json:"instanceId,omitempty"`
	Status        string           `json:"status,omitempty"`
	LastHeartbeat string           `json:"lastHeartbeat,omitempty"`
	TotalActions  int64            `json:"totalActions"`
	TotalSpend    float64          `json:"totalSpend"`
}

func (a *API) handleListAgents(w http.ResponseWriter, r *http.Request) {
	records := a.fleet.List()
	out := make([]agentSummary, 0, len(records))
	for id, rec := range records {
		s := agentSummary{
			AgentID:      id,
			Name:         rec.Manifest.Identity.Name,
			Connection:   rec.Connection,
			TotalActions: rec.TotalActions,
			TotalSpend:   rec.TotalSpend,
		}
		if rec.Instance != nil {
			s.InstanceID = rec.Instance.ID
			s.Status = string(rec.Instance.Status)
		}
		if !rec.LastHeartbeat.IsZero() {
			s.LastHeartbeat = rec.LastHeartbeat.UTC().Format(httpTimeLayout)
		}
		out = append(out, s)
	}
	writeJSON(w, http.StatusOK, map[string]any{"agents": out})
}

func (a *API) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rec, ok := a.fleet.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "agent not found")
		return
	}
	redactRecord(rec)
	writeJSON(w, http.StatusOK, rec)
}

func (a *API) handleCreateAgent(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "reading body: "+err.Error())
		return
	}

	m, err := manifest.Parse(body)
	if err != nil {
		var verr *manifest.ValidationError
		if errors.As(err, &verr) {
			writeJSON(w, http.StatusBadRequest, map[string]any{
				"error":  "manifest validation failed",
				"issues": verr.Issues,
			})
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	script, err := bootstrap.Generate(m)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "generating bootstrap script: "+err.Error())
		return
	}

	inst, err := a.provisioner.Provision(r.Context(), m, script)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	a.fleet.RegisterAgent(m, inst)
	writeJSON(w, http.StatusCreated, map[string]any{
		"agentId":  m.Identity.ID,
		"instance": inst,
	})
}

func (a *API) handleDeleteAgent(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	// Give the worker a chance to shut down cleanly before the VPS goes away.
	a.plane.SendToAgent(id, protocol.Message{Type: protocol.TypeShutdown})

	if err := a.provisioner.Destroy(r.Context(), id); err != nil && !errors.Is(err, provision.ErrAgentNotProvisioned) {
		a.logger.Warn("destroying instance", "agent_id", id, "error", err)
	}
	a.fleet.RemoveAgent(id)
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (a *API) handleAgentActions(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	limit, offset := pagination(r)

	actions, err := a.fleet.RecentActions(id, limit, offset)
	if err != nil {
		writeError(w, http.StatusNotFound, "agent not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"agentId": id,
		"actions": actions,
		"limit":   limit,
		"offset":  offset,
	})
}

// handleActionHistory serves the archived action log, which keeps entries
// the 200-entry ring has already evicted.
func (a *API) handleActionHistory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	limit, offset := pagination(r)

	actions, err := a.fleet.ActionHistory(id, limit, offset)
	if err != nil {
		if errors.Is(err, fleet.ErrAgentNotFound) {
			writeError(w, http.StatusNotFound, "agent not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"agentId": id,
		"actions": actions,
		"limit":   limit,
		"offset":  offset,
	})
}

// relay sends one command frame to a live worker, translating an offline
// agent into 503 with agentOnline=false.
func (a *API) relay(w http.ResponseWriter, agentID string, msg protocol.Message) {
	if !a.plane.SendToAgent(agentID, msg) {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"error":       "agent is not connected",
			"agentOnline": false,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (a *API) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var body struct {
		Content string `json:"content"`
		Channel string `json:"channel"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Content == "" {
		writeError(w, http.StatusBadRequest, "content is required")
		return
	}
	a.relay(w, id, protocol.Message{
		Type:    protocol.TypeSendMessage,
		Content: body.Content,
		Channel: body.Channel,
	})
}

func (a *API) handleUpdateGoals(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var body struct {
		Goals []manifest.Goal `json:"goals"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	a.relay(w, id, protocol.Message{Type: protocol.TypeUpdateGoals, Goals: body.Goals})
}

func (a *API) handleInjectKnowledge(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var body struct {
		Documents []manifest.Document `json:"documents"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	a.relay(w, id, protocol.Message{Type: protocol.TypeInjectKnowledge, Documents: body.Documents})
}

func (a *API) handleRestart(w http.ResponseWriter, r *http.Request) {
	a.relay(w, chi.URLParam(r, "id"), protocol.Message{Type: protocol.TypeRestart})
}

func (a *API) handlePendingApprovals(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"approvals": a.approvals.Pending(r.URL.Query().Get("agentId")),
	})
}

func (a *API) handleApprovalHistory(w http.ResponseWriter, r *http.Request) {
	limit, offset := pagination(r)
	writeJSON(w, http.StatusOK, map[string]any{
		"history": a.approvals.History(limit, offset),
		"limit":   limit,
		"offset":  offset,
	})
}

func (a *API) handleRespond(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var body struct {
		Approved    *bool  `json:"approved"`
		Reason      string `json:"reason"`
		RespondedBy string `json:"respondedBy"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Approved == nil {
		writeError(w, http.StatusBadRequest, "approved is required")
		return
	}

	respondedBy := body.RespondedBy
	if respondedBy == "" {
		respondedBy = OperatorFromContext(r.Context())
	}
	if respondedBy == "" {
		respondedBy = "operator"
	}

	resolved := a.approvals.Resolve(id, *body.Approved, respondedBy, body.Reason)
	if resolved == nil {
		writeError(w, http.StatusNotFound, "approval not found or already resolved")
		return
	}
	writeJSON(w, http.StatusOK, resolved)
}

// httpTimeLayout renders timestamps as RFC 3339 at second precision.
const httpTimeLayout = "2006-01-02T15:04:05Z07:00"

func pagination(r *http.Request) (limit, offset int) {
	limit = defaultPageSize
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}
	return limit, offset
}

func readBody(r *http.Request) ([]byte, error) {
	defer r.Body.Close()
	return readAllLimited(r)
}
