package api

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/surgeonlogic/policybuilder/internal/domain"
	"github.com/surgeonlogic/policybuilder/internal/identity"
)

type createAgentRequest struct {
	Name      string `json:"name"`
	Specialty string `json:"specialty"`
}

type updateAgentRequest struct {
	Name      *string `json:"name"`
	Specialty *string `json:"specialty"`
	Status    *string `json:"status"`
}

// ListAgents handles GET /api/agents.
func (h *Handler) ListAgents(w http.ResponseWriter, r *http.Request) {
	ownerID := identity.OwnerIDFromContext(r.Context())

	agents, err := h.repo.ListAgents(r.Context(), ownerID)
	if err != nil {
		slog.Error("failed to list agents", "owner_id", ownerID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to list agents")
		return
	}
	if agents == nil {
		agents = []*domain.Agent{}
	}
	JSON(w, http.StatusOK, agents)
}

// CreateAgent handles POST /api/agents.
func (h *Handler) CreateAgent(w http.ResponseWriter, r *http.Request) {
	ownerID := identity.OwnerIDFromContext(r.Context())

	var req createAgentRequest
	if err := decodeJSON(r, &req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		Error(w, http.StatusBadRequest, "name is required")
		return
	}

	now := time.Now()
	agent := &domain.Agent{
		ID:        uuid.NewString(),
		OwnerID:   ownerID,
		Name:      req.Name,
		Specialty: strings.TrimSpace(req.Specialty),
		Status:    domain.AgentStatusActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := h.repo.CreateAgent(r.Context(), agent); err != nil {
		slog.Error("failed to create agent", "owner_id", ownerID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to create agent")
		return
	}

	slog.Info("agent created", "agent_id", agent.ID, "name", agent.Name)
	JSON(w, http.StatusCreated, agent)
}

// GetAgent handles GET /api/agents/{id}.
func (h *Handler) GetAgent(w http.ResponseWriter, r *http.Request) {
	ownerID := identity.OwnerIDFromContext(r.Context())
	agentID := chi.URLParam(r, "id")

	agent, err := h.repo.GetAgent(r.Context(), agentID, ownerID)
	if err != nil {
		slog.Error("failed to get agent", "agent_id", agentID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to get agent")
		return
	}
	if agent == nil {
		Error(w, http.StatusNotFound, "agent not found")
		return
	}
	JSON(w, http.StatusOK, agent)
}

// UpdateAgent handles PATCH /api/agents/{id}.
func (h *Handler) UpdateAgent(w http.ResponseWriter, r *http.Request) {
	ownerID := identity.OwnerIDFromContext(r.Context())
	agentID := chi.URLParam(r, "id")

	var req updateAgentRequest
	if err := decodeJSON(r, &req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	agent, err := h.repo.GetAgent(r.Context(), agentID, ownerID)
	if err != nil {
		slog.Error("failed to get agent", "agent_id", agentID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to get agent")
		return
	}
	if agent == nil {
		Error(w, http.StatusNotFound, "agent not found")
		return
	}

	if req.Name != nil {
		name := strings.TrimSpace(*req.Name)
		if name == "" {
			Error(w, http.StatusBadRequest, "name cannot be empty")
			return
		}
		agent.Name = name
	}
	if req.Specialty != nil {
		agent.Specialty = strings.TrimSpace(*req.Specialty)
	}
	if req.Status != nil {
		status := domain.AgentStatus(*req.Status)
		if status != domain.AgentStatusActive && status != domain.AgentStatusArchived {
			Error(w, http.StatusBadRequest, "invalid status")
			return
		}
		agent.Status = status
		if status == domain.AgentStatusArchived {
			h.builder.DropSession(agent.ID)
		}
	}

	agent.UpdatedAt = time.Now()
	if err := h.repo.UpdateAgentMetadata(r.Context(), agent); err != nil {
		slog.Error("failed to update agent", "agent_id", agentID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to update agent")
		return
	}
	JSON(w, http.StatusOK, agent)
}

// DeleteAgent handles DELETE /api/agents/{id}.
func (h *Handler) DeleteAgent(w http.ResponseWriter, r *http.Request) {
	ownerID := identity.OwnerIDFromContext(r.Context())
	agentID := chi.URLParam(r, "id")

	if err := h.repo.DeleteAgent(r.Context(), agentID, ownerID); err != nil {
		slog.Error("failed to delete agent", "agent_id", agentID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to delete agent")
		return
	}
	h.builder.DropSession(agentID)

	slog.Info("agent deleted", "agent_id", agentID)
	w.WriteHeader(http.StatusNoContent)
}
