package hub

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/zulandar/intercom/internal/envelope"
	"github.com/zulandar/intercom/internal/registry"
	"github.com/zulandar/intercom/internal/router"
	"github.com/zulandar/intercom/internal/server"
	"github.com/zulandar/intercom/internal/telegraph"
)

// Version is reported by /api/discover.
const Version = "0.1.0"

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
	announceTimeout     = 10 * time.Second
)

func (h *Hub) registerRoutes(r *gin.Engine) {
	r.GET("/health", h.handleHealth)
	r.GET("/metrics", gin.WrapH(h.metrics.Handler()))

	api := r.Group("/api")
	api.GET("/discover", h.handleDiscover)
	api.POST("/join", h.handleJoin)
	api.GET("/join/:id", h.handleJoinStatus)

	admin := api.Group("/join", server.Signed(server.StaticSecret(h.token), h.log))
	admin.POST("/approve/:id", h.handleJoinAnswer(true))
	admin.POST("/deny/:id", h.handleJoinAnswer(false))

	signed := api.Group("", server.Signed(h.registry.MachineToken, h.log))
	signed.POST("/register", h.handleRegister)
	signed.POST("/heartbeat", h.handleHeartbeat)
	signed.POST("/route", h.handleRoute)
	signed.GET("/agents", h.handleAgents)
	signed.GET("/machines", h.handleMachines)
	signed.GET("/missions/:id", h.handleMissionStatus)
	signed.GET("/missions/:id/history", h.handleHistory)
	signed.DELETE("/missions/:id", h.handleStopMission)
}

func (h *Hub) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"machine_id":       h.machineID,
		"status":           "ok",
		"tracked_missions": len(h.tracker.Active()),
		"pending_joins":    len(h.joins.pending()),
	})
}

func (h *Hub) handleDiscover(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"hub": true, "name": h.machineID, "version": Version})
}

// --- join ---

func (h *Hub) handleJoin(c *gin.Context) {
	var req registry.JoinRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		server.Error(c, http.StatusBadRequest, err.Error())
		return
	}
	if req.MachineID == "" || req.Nonce == "" {
		server.Error(c, http.StatusBadRequest, "machine_id and nonce are required")
		return
	}
	if strings.ContainsAny(req.MachineID, "/ ") {
		server.Error(c, http.StatusBadRequest, "machine_id must not contain '/' or spaces")
		return
	}
	if token, err := h.registry.MachineToken(c.Request.Context(), req.MachineID); err == nil && token != "" {
		server.Error(c, http.StatusConflict, "machine already registered")
		return
	}
	if req.DisplayName == "" {
		req.DisplayName = req.MachineID
	}
	address := c.ClientIP()
	if err := h.joins.add(req, address); err != nil {
		server.Error(c, http.StatusConflict, err.Error())
		return
	}
	h.log.Info("join requested", zap.String("machine_id", req.MachineID), zap.String("address", address))
	h.announceJoin(req, address)
	c.JSON(http.StatusOK, registry.JoinStatus{Status: registry.JoinPending, MachineID: req.MachineID})
}

func (h *Hub) announceJoin(req registry.JoinRequest, address string) {
	if h.notifier == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), announceTimeout)
		defer cancel()
		if _, err := h.notifier.Post(ctx, telegraph.FormatJoin(req.MachineID, req.DisplayName, address)); err != nil {
			h.log.Warn("announce join failed", zap.String("machine_id", req.MachineID), zap.Error(err))
		}
	}()
}

func (h *Hub) handleJoinStatus(c *gin.Context) {
	st, ok := h.joins.status(c.Param("id"), c.Query("nonce"))
	if !ok {
		server.Error(c, http.StatusNotFound, "No pending join")
		return
	}
	c.JSON(http.StatusOK, st)
}

func (h *Hub) handleJoinAnswer(approve bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		var err error
		status := "denied"
		if approve {
			err = h.ApproveJoin(c.Request.Context(), id)
			status = registry.JoinApproved
		} else {
			err = h.DenyJoin(c.Request.Context(), id)
		}
		switch {
		case errors.Is(err, ErrNoPendingJoin):
			server.Error(c, http.StatusNotFound, "No pending join")
		case err != nil:
			server.Error(c, http.StatusInternalServerError, err.Error())
		default:
			c.JSON(http.StatusOK, gin.H{"status": status, "machine_id": id})
		}
	}
}

// --- machine calls ---

func (h *Hub) handleRegister(c *gin.Context) {
	var reg registry.Registration
	if err := json.Unmarshal(server.Body(c), &reg); err != nil {
		server.Error(c, http.StatusBadRequest, err.Error())
		return
	}
	signer := server.Machine(c)
	if reg.ID == "" {
		reg.ID = signer
	}
	if reg.ID != signer {
		server.Error(c, http.StatusForbidden, "machine_id does not match the signing machine")
		return
	}
	if reg.Address == "" {
		reg.Address = c.ClientIP()
	}

	ctx := c.Request.Context()
	if err := h.registry.RegisterMachine(ctx, reg.MachineInfo); err != nil {
		server.Error(c, http.StatusInternalServerError, err.Error())
		return
	}
	if err := h.registry.SyncProjects(ctx, reg.ID, reg.Projects); err != nil {
		server.Error(c, http.StatusInternalServerError, err.Error())
		return
	}
	h.log.Info("machine registered", zap.String("machine_id", reg.ID), zap.Int("projects", len(reg.Projects)))
	c.JSON(http.StatusOK, gin.H{"status": "registered", "machine_id": reg.ID, "projects": len(reg.Projects)})
}

func (h *Hub) handleHeartbeat(c *gin.Context) {
	if err := h.registry.Heartbeat(c.Request.Context(), server.Machine(c)); err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			server.Error(c, http.StatusNotFound, err.Error())
			return
		}
		server.Error(c, http.StatusInternalServerError, err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *Hub) handleRoute(c *gin.Context) {
	var req router.Request
	if err := json.Unmarshal(server.Body(c), &req); err != nil {
		server.Error(c, http.StatusBadRequest, err.Error())
		return
	}
	if !senderAllowed(server.Machine(c), req.From) {
		server.Error(c, http.StatusForbidden, "from_agent must be human or a project of the signing machine")
		return
	}
	res, err := h.Route(c.Request.Context(), req)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, router.ErrMissionNotFound) {
			status = http.StatusNotFound
		}
		server.Error(c, status, err.Error())
		return
	}
	c.JSON(http.StatusOK, res)
}

// senderAllowed reports whether machine may send as from. Any machine may
// speak for its operator.
func senderAllowed(machine, from string) bool {
	if from == envelope.HumanAddress {
		return true
	}
	m, _, ok := strings.Cut(from, "/")
	return ok && m == machine
}

func (h *Hub) handleAgents(c *gin.Context) {
	filter := c.DefaultQuery("filter", "all")
	if filter == "all" {
		filter = ""
	}
	agents, err := h.ListAgents(c.Request.Context(), filter, c.Query("machine"))
	if err != nil {
		server.Error(c, http.StatusInternalServerError, err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"agents": agents})
}

func (h *Hub) handleMachines(c *gin.Context) {
	machines, err := h.ListMachines(c.Request.Context())
	if err != nil {
		server.Error(c, http.StatusInternalServerError, err.Error())
		return
	}
	views := make([]registry.MachineView, 0, len(machines))
	for _, m := range machines {
		views = append(views, registry.ViewOf(m))
	}
	c.JSON(http.StatusOK, gin.H{"machines": views})
}

// --- missions ---

func (h *Hub) handleMissionStatus(c *gin.Context) {
	snap, err := h.MissionStatus(c.Request.Context(), c.Param("id"))
	if err != nil {
		missionError(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (h *Hub) handleStopMission(c *gin.Context) {
	id := c.Param("id")
	stopped, err := h.StopMission(c.Request.Context(), id)
	if err != nil {
		missionError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"mission_id": id, "stopped": stopped})
}

func (h *Hub) handleHistory(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(defaultHistoryLimit)))
	if err != nil || limit <= 0 {
		limit = defaultHistoryLimit
	}
	limit = min(limit, maxHistoryLimit)

	id := c.Param("id")
	msgs, err := h.History(c.Request.Context(), id, limit)
	if err != nil {
		server.Error(c, http.StatusInternalServerError, err.Error())
		return
	}
	if msgs == nil {
		msgs = []envelope.Message{}
	}
	c.JSON(http.StatusOK, gin.H{"mission_id": id, "messages": msgs})
}

func missionError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, router.ErrMissionNotFound):
		server.Error(c, http.StatusNotFound, err.Error())
	case errors.Is(err, router.ErrUnknownTarget):
		server.Error(c, http.StatusNotFound, err.Error())
	default:
		server.Error(c, http.StatusBadGateway, err.Error())
	}
}
