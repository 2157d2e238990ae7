package api

import (
	"net/http"
	"sort"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/technocode/Cobalt/pkg/socket"
)

// SessionStatus describes one registered socket.
type SessionStatus struct {
	UUID            string `json:"uuid"`
	ClientType      string `json:"clientType"`
	Phone           string `json:"phone,omitempty"`
	JID             string `json:"jid,omitempty"`
	PushName        string `json:"pushName,omitempty"`
	State           string `json:"state"`
	Registered      bool   `json:"registered"`
	PendingRequests int    `json:"pendingRequests"`
}

// StatusResponse is the body of GET /status.
type StatusResponse struct {
	Success   bool            `json:"success"`
	Sessions  []SessionStatus `json:"sessions"`
	Counts    map[string]int  `json:"counts"`
	Uptime    string          `json:"uptime"`
	CheckedAt time.Time       `json:"checkedAt"`
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status   string `json:"status"`
	Sessions int    `json:"sessions"`
}

func sessionStatus(h *socket.Handler) SessionStatus {
	st := h.Session().Store
	key := st.Key()
	out := SessionStatus{
		UUID:            key.UUID.String(),
		ClientType:      string(key.ClientType),
		Phone:           key.Phone,
		PushName:        st.Name(),
		State:           h.State().String(),
		Registered:      st.IsRegistered(),
		PendingRequests: h.Requests().Len(),
	}
	if jid, ok := st.ID(); ok {
		out.JID = jid.String()
	}
	return out
}

// handleHealth handles GET /health
func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{Status: "ok", Sessions: s.registry.Len()})
}

// handleStatus handles GET /status
func (s *Server) handleStatus(c *gin.Context) {
	handlers := s.registry.Handlers()
	sessions := make([]SessionStatus, 0, len(handlers))
	for _, h := range handlers {
		sessions = append(sessions, sessionStatus(h))
	}
	sort.Slice(sessions, func(i, j int) bool { return sessions[i].UUID < sessions[j].UUID })

	c.JSON(http.StatusOK, StatusResponse{
		Success:   true,
		Sessions:  sessions,
		Counts:    s.registry.Stats(),
		Uptime:    time.Since(s.started).Round(time.Second).String(),
		CheckedAt: time.Now(),
	})
}

// handleSession handles GET /status/:uuid
func (s *Server) handleSession(c *gin.Context) {
	id, err := uuid.Parse(c.Param("uuid"))
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid session id", Message: err.Error()})
		return
	}
	h, ok := s.registry.ByUUID(id)
	if !ok {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "session not connected"})
		return
	}
	c.JSON(http.StatusOK, sessionStatus(h))
}
