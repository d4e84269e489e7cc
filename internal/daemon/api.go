package daemon

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/zulandar/intercom/internal/envelope"
	"github.com/zulandar/intercom/internal/launcher"
	"github.com/zulandar/intercom/internal/router"
	"github.com/zulandar/intercom/internal/server"
)

// Version is reported by /api/discover.
const Version = "0.1.0"

func (d *Daemon) registerRoutes(r *gin.Engine) {
	r.GET("/health", d.handleHealth)
	r.GET("/api/discover", d.handleDiscover)
	r.GET("/api/status", d.handleStatus)
	r.GET("/metrics", gin.WrapH(d.metrics.Handler()))

	signed := r.Group("/api", server.Signed(server.StaticSecret(d.token), d.log))
	signed.POST("/message", d.handleMessage)
	signed.GET("/missions/:id", d.handleMission)
	signed.DELETE("/missions/:id", d.handleStopMission)
	signed.GET("/inbox/:project", d.handleInbox)
}

func (d *Daemon) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"machine_id":      d.machineID,
		"status":          "ok",
		"active_missions": len(d.launcher.Active()),
	})
}

func (d *Daemon) handleDiscover(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"hub":        false,
		"machine_id": d.machineID,
		"version":    Version,
	})
}

func (d *Daemon) handleStatus(c *gin.Context) {
	active := d.launcher.Active()
	if active == nil {
		active = []string{}
	}
	ids := make([]string, 0, len(d.projects))
	for _, p := range d.projects {
		ids = append(ids, p.ID)
	}
	c.JSON(http.StatusOK, gin.H{
		"machine_id":      d.machineID,
		"active_missions": active,
		"projects":        ids,
	})
}

// handleMessage accepts a routed envelope. Launching types start an agent
// and answer before it finishes; everything else lands in the project's
// inbox.
func (d *Daemon) handleMessage(c *gin.Context) {
	var msg envelope.Message
	if err := json.Unmarshal(server.Body(c), &msg); err != nil {
		server.Error(c, http.StatusBadRequest, err.Error())
		return
	}
	if msg.To.IsHuman() || msg.To.Machine != d.machineID {
		server.Error(c, http.StatusBadRequest, fmt.Sprintf("envelope for %s reached %s", msg.To, d.machineID))
		return
	}
	log := d.log.With(
		zap.String("id", msg.ID),
		zap.String("mission_id", msg.MissionID),
		zap.String("from", msg.From.String()),
		zap.String("type", string(msg.Type)))

	proj, ok := d.project(msg.To.Project)
	if msg.Type.Launches() {
		if !ok {
			log.Warn("launch for unknown project", zap.String("project", msg.To.Project))
			c.JSON(http.StatusOK, gin.H{
				"status":     router.StatusLaunchFailed,
				"mission_id": msg.MissionID,
				"error":      "unknown project " + msg.To.Project,
			})
			return
		}
		d.launch(c, msg, proj, log)
		return
	}

	if !ok {
		server.Error(c, http.StatusNotFound, "unknown project "+msg.To.Project)
		return
	}
	d.inbox.Push(proj.ID, msg)
	log.Info("envelope queued", zap.String("project", proj.ID))
	c.JSON(http.StatusOK, gin.H{"status": router.StatusReceived, "mission_id": msg.MissionID})
}

func (d *Daemon) launch(c *gin.Context, msg envelope.Message, proj Project, log *zap.Logger) {
	command := proj.AgentCommand
	if sa, ok := msg.Payload.(envelope.StartAgentPayload); ok && sa.AgentCommand != "" {
		command = sa.AgentCommand
	}
	id := d.launcher.LaunchBackground(
		envelope.MissionText(msg.Payload),
		envelope.ContextOf(msg.Payload),
		msg.MissionID,
		proj.Path,
		command,
	)

	// Path rejection is decided synchronously; later failures surface
	// through mission status.
	if snap, ok := d.launcher.GetStatus(id); ok && errors.Is(launcher.Cause(snap), launcher.ErrLaunchRejected) {
		reason := launcher.ErrLaunchRejected.Error()
		if snap.Output != nil {
			reason = *snap.Output
		}
		log.Warn("launch rejected", zap.String("path", proj.Path))
		c.JSON(http.StatusOK, gin.H{"status": router.StatusLaunchFailed, "mission_id": id, "error": reason})
		return
	}
	log.Info("mission launched", zap.String("project", proj.ID))
	c.JSON(http.StatusOK, gin.H{"status": router.StatusLaunched, "mission_id": id})
}

func (d *Daemon) handleMission(c *gin.Context) {
	since, err := strconv.Atoi(c.DefaultQuery("feedback_since", "0"))
	if err != nil || since < 0 {
		since = 0
	}
	snap, ok := d.launcher.Snapshot(c.Param("id"), since)
	if !ok {
		server.Error(c, http.StatusNotFound, "mission not found")
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (d *Daemon) handleStopMission(c *gin.Context) {
	id := c.Param("id")
	c.JSON(http.StatusOK, gin.H{"mission_id": id, "stopped": d.launcher.Stop(id)})
}

func (d *Daemon) handleInbox(c *gin.Context) {
	project := c.Param("project")
	if _, ok := d.project(project); !ok {
		server.Error(c, http.StatusNotFound, "unknown project "+project)
		return
	}
	msgs := d.inbox.Drain(project)
	if msgs == nil {
		msgs = []envelope.Message{}
	}
	c.JSON(http.StatusOK, gin.H{"project": project, "messages": msgs})
}
