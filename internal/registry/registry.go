// Package registry stores the machines and projects known to the hub.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/zulandar/intercom/internal/config"
	"github.com/zulandar/intercom/internal/models"
	"github.com/zulandar/intercom/internal/router"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrNotFound is returned when a machine or project is not registered.
var ErrNotFound = errors.New("registry: not found")

// updatableProjectFields is the whitelist accepted by UpdateProject.
var updatableProjectFields = map[string]bool{
	"description":   true,
	"capabilities":  true,
	"tags":          true,
	"path":          true,
	"agent_command": true,
}

// MachineInfo is the data needed to register a machine.
type MachineInfo struct {
	ID          string `json:"machine_id"`
	DisplayName string `json:"display_name"`
	Description string `json:"description,omitempty"`
	Address     string `json:"address,omitempty"`
	DaemonURL   string `json:"daemon_url"`
	Token       string `json:"-"`
}

// ProjectInfo describes a project announced by a daemon.
type ProjectInfo struct {
	ID           string   `json:"id"`
	Description  string   `json:"description,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
	Tags         []string `json:"tags,omitempty"`
	Path         string   `json:"path,omitempty"`
	AgentCommand string   `json:"agent_command,omitempty"`
}

// Registration is the body a daemon posts to announce itself and its
// projects.
type Registration struct {
	MachineInfo
	Projects []ProjectInfo `json:"projects"`
}

// JoinRequest asks the hub to admit a new machine. Nonce is a secret the
// joining machine presents again to collect its token.
type JoinRequest struct {
	MachineID   string `json:"machine_id"`
	DisplayName string `json:"display_name"`
	DaemonURL   string `json:"daemon_url"`
	Nonce       string `json:"nonce"`
}

// JoinStatus is the hub's view of a join request.
type JoinStatus struct {
	Status    string `json:"status"`
	MachineID string `json:"machine_id"`
	Token     string `json:"token,omitempty"`
}

// Join statuses.
const (
	JoinPending  = "pending_approval"
	JoinApproved = "approved"
)

// MachineView is a machine as listed to users; it never carries the token.
type MachineView struct {
	ID          string     `json:"machine_id"`
	DisplayName string     `json:"display_name"`
	Description string     `json:"description,omitempty"`
	Address     string     `json:"address,omitempty"`
	DaemonURL   string     `json:"daemon_url"`
	Status      string     `json:"status"`
	LastSeen    *time.Time `json:"last_seen,omitempty"`
}

// ViewOf strips credentials from m.
func ViewOf(m models.Machine) MachineView {
	return MachineView{
		ID:          m.ID,
		DisplayName: m.DisplayName,
		Description: m.Description,
		Address:     m.Address,
		DaemonURL:   m.DaemonURL,
		Status:      m.Status,
		LastSeen:    m.LastSeen,
	}
}

// Agent is a project joined with its machine, as listed to users.
type Agent struct {
	Address       string     `json:"address"`
	MachineID     string     `json:"machine_id"`
	ProjectID     string     `json:"project_id"`
	Description   string     `json:"description"`
	Capabilities  []string   `json:"capabilities"`
	Tags          []string   `json:"tags"`
	Path          string     `json:"path"`
	AgentCommand  string     `json:"agent_command"`
	MachineName   string     `json:"machine_name"`
	MachineStatus string     `json:"machine_status"`
	LastSeen      *time.Time `json:"last_seen,omitempty"`
}

// Opts configures a Registry.
type Opts struct {
	Logger *zap.Logger
	Now    func() time.Time
}

// Registry is a gorm-backed machine/project store. It satisfies
// router.NodeResolver.
type Registry struct {
	db  *gorm.DB
	log *zap.Logger
	now func() time.Time
}

var _ router.NodeResolver = (*Registry)(nil)

// New returns a Registry over db. The schema must already be migrated.
func New(db *gorm.DB, opts Opts) *Registry {
	r := &Registry{db: db, log: opts.Logger, now: opts.Now}
	if r.log == nil {
		r.log = zap.NewNop()
	}
	if r.now == nil {
		r.now = time.Now
	}
	return r
}

// RegisterMachine inserts or updates a machine. Registration counts as a
// sign of life, so the machine is marked online. An empty token keeps the
// stored one.
func (r *Registry) RegisterMachine(ctx context.Context, info MachineInfo) error {
	if info.ID == "" {
		return fmt.Errorf("registry: machine id is required")
	}
	now := r.now().UTC()
	m := models.Machine{
		ID:          info.ID,
		DisplayName: info.DisplayName,
		Description: info.Description,
		Address:     info.Address,
		DaemonURL:   info.DaemonURL,
		Token:       info.Token,
		Status:      models.MachineOnline,
		LastSeen:    &now,
		CreatedAt:   now,
	}
	if m.DisplayName == "" {
		m.DisplayName = info.ID
	}
	cols := []string{"display_name", "description", "address", "daemon_url", "status", "last_seen"}
	if info.Token != "" {
		cols = append(cols, "token")
	}
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns(cols),
	}).Create(&m).Error
	if err != nil {
		return fmt.Errorf("registry: register machine %s: %w", info.ID, err)
	}
	return nil
}

// SeedMachines pre-registers statically configured machines. Seeded machines
// start as unknown until they register or heartbeat.
func (r *Registry) SeedMachines(ctx context.Context, machines []config.StaticMachine) error {
	for _, sm := range machines {
		m := models.Machine{
			ID:          sm.ID,
			DisplayName: sm.DisplayName,
			DaemonURL:   sm.URL,
			Token:       sm.Token,
			Status:      models.MachineUnknown,
			CreatedAt:   r.now().UTC(),
		}
		if m.DisplayName == "" {
			m.DisplayName = sm.ID
		}
		err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{"display_name", "daemon_url", "token"}),
		}).Create(&m).Error
		if err != nil {
			return fmt.Errorf("registry: seed machine %s: %w", sm.ID, err)
		}
	}
	return nil
}

// GetMachine returns the machine with the given id.
func (r *Registry) GetMachine(ctx context.Context, id string) (*models.Machine, error) {
	var m models.Machine
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("registry: machine %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("registry: get machine %s: %w", id, err)
	}
	return &m, nil
}

// GetNode resolves a machine id to a routable node.
func (r *Registry) GetNode(ctx context.Context, machineID string) (router.Node, bool, error) {
	m, err := r.GetMachine(ctx, machineID)
	if errors.Is(err, ErrNotFound) {
		return router.Node{}, false, nil
	}
	if err != nil {
		return router.Node{}, false, err
	}
	return router.Node{
		ID:     m.ID,
		URL:    m.DaemonURL,
		Secret: m.Token,
		Status: m.Status,
	}, true, nil
}

// MachineToken returns the shared secret of a machine, or "" when the
// machine is unknown or revoked.
func (r *Registry) MachineToken(ctx context.Context, id string) (string, error) {
	m, err := r.GetMachine(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return m.Token, nil
}

// RegisterProject inserts or updates a project on a machine.
func (r *Registry) RegisterProject(ctx context.Context, machineID string, p ProjectInfo) error {
	if p.ID == "" {
		return fmt.Errorf("registry: project id is required")
	}
	caps, err := marshalList(p.Capabilities)
	if err != nil {
		return fmt.Errorf("registry: marshal capabilities for %s/%s: %w", machineID, p.ID, err)
	}
	tags, err := marshalList(p.Tags)
	if err != nil {
		return fmt.Errorf("registry: marshal tags for %s/%s: %w", machineID, p.ID, err)
	}
	row := models.Project{
		MachineID:    machineID,
		ProjectID:    p.ID,
		Description:  p.Description,
		Capabilities: caps,
		Tags:         tags,
		Path:         p.Path,
		AgentCommand: p.AgentCommand,
		UpdatedAt:    r.now().UTC(),
	}
	err = r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "machine_id"}, {Name: "project_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"description", "capabilities", "tags", "path", "agent_command", "updated_at"}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("registry: register project %s/%s: %w", machineID, p.ID, err)
	}
	return nil
}

// SyncProjects makes the machine's project set equal to projects.
func (r *Registry) SyncProjects(ctx context.Context, machineID string, projects []ProjectInfo) error {
	keep := make([]string, 0, len(projects))
	for _, p := range projects {
		if err := r.RegisterProject(ctx, machineID, p); err != nil {
			return err
		}
		keep = append(keep, p.ID)
	}
	q := r.db.WithContext(ctx).Where("machine_id = ?", machineID)
	if len(keep) > 0 {
		q = q.Where("project_id NOT IN ?", keep)
	}
	if err := q.Delete(&models.Project{}).Error; err != nil {
		return fmt.Errorf("registry: prune projects of %s: %w", machineID, err)
	}
	return nil
}

// UpdateProject changes selected fields of a project. Only description,
// capabilities, tags, path and agent_command may be updated; list values for
// capabilities and tags are stored as JSON.
func (r *Registry) UpdateProject(ctx context.Context, machineID, projectID string, fields map[string]any) error {
	if len(fields) == 0 {
		return nil
	}
	updates := make(map[string]any, len(fields))
	for k, v := range fields {
		if !updatableProjectFields[k] {
			return fmt.Errorf("registry: cannot update field %q", k)
		}
		if list, ok := v.([]string); ok {
			s, err := marshalList(list)
			if err != nil {
				return fmt.Errorf("registry: marshal %s: %w", k, err)
			}
			v = s
		}
		updates[k] = v
	}
	updates["updated_at"] = r.now().UTC()
	res := r.db.WithContext(ctx).Model(&models.Project{}).
		Where("machine_id = ? AND project_id = ?", machineID, projectID).
		Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("registry: update project %s/%s: %w", machineID, projectID, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("registry: project %s/%s: %w", machineID, projectID, ErrNotFound)
	}
	return nil
}

// RemoveProject deletes a project.
func (r *Registry) RemoveProject(ctx context.Context, machineID, projectID string) error {
	err := r.db.WithContext(ctx).
		Where("machine_id = ? AND project_id = ?", machineID, projectID).
		Delete(&models.Project{}).Error
	if err != nil {
		return fmt.Errorf("registry: remove project %s/%s: %w", machineID, projectID, err)
	}
	return nil
}

// ListAgents returns projects joined with their machines, ordered by address.
// An empty filterStatus or filterMachine disables that filter.
func (r *Registry) ListAgents(ctx context.Context, filterStatus, filterMachine string) ([]Agent, error) {
	type row struct {
		models.Project
		MachineName   string
		MachineStatus string
		LastSeen      *time.Time
	}
	q := r.db.WithContext(ctx).Table("projects").
		Select("projects.*, machines.display_name AS machine_name, machines.status AS machine_status, machines.last_seen AS last_seen").
		Joins("JOIN machines ON machines.id = projects.machine_id")
	if filterStatus != "" {
		q = q.Where("machines.status = ?", filterStatus)
	}
	if filterMachine != "" {
		q = q.Where("projects.machine_id = ?", filterMachine)
	}
	var rows []row
	if err := q.Order("projects.machine_id, projects.project_id").Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("registry: list agents: %w", err)
	}

	agents := make([]Agent, 0, len(rows))
	for _, rw := range rows {
		agents = append(agents, Agent{
			Address:       rw.MachineID + "/" + rw.ProjectID,
			MachineID:     rw.MachineID,
			ProjectID:     rw.ProjectID,
			Description:   rw.Description,
			Capabilities:  unmarshalList(rw.Capabilities),
			Tags:          unmarshalList(rw.Tags),
			Path:          rw.Path,
			AgentCommand:  rw.AgentCommand,
			MachineName:   rw.MachineName,
			MachineStatus: rw.MachineStatus,
			LastSeen:      rw.LastSeen,
		})
	}
	return agents, nil
}

// ListMachines returns every registered machine ordered by id.
func (r *Registry) ListMachines(ctx context.Context) ([]models.Machine, error) {
	var ms []models.Machine
	if err := r.db.WithContext(ctx).Order("id").Find(&ms).Error; err != nil {
		return nil, fmt.Errorf("registry: list machines: %w", err)
	}
	return ms, nil
}

// Heartbeat records a sign of life from a machine and marks it online.
// Revoked machines stay revoked.
func (r *Registry) Heartbeat(ctx context.Context, machineID string) error {
	res := r.db.WithContext(ctx).Model(&models.Machine{}).
		Where("id = ? AND status <> ?", machineID, models.MachineRevoked).
		Updates(map[string]any{"status": models.MachineOnline, "last_seen": r.now().UTC()})
	if res.Error != nil {
		return fmt.Errorf("registry: heartbeat %s: %w", machineID, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("registry: heartbeat %s: %w", machineID, ErrNotFound)
	}
	return nil
}

// Revoke marks a machine revoked and clears its token.
func (r *Registry) Revoke(ctx context.Context, machineID string) error {
	res := r.db.WithContext(ctx).Model(&models.Machine{}).
		Where("id = ?", machineID).
		Updates(map[string]any{"status": models.MachineRevoked, "token": ""})
	if res.Error != nil {
		return fmt.Errorf("registry: revoke %s: %w", machineID, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("registry: revoke %s: %w", machineID, ErrNotFound)
	}
	return nil
}

// MarkStale marks online machines last seen before cutoff offline and
// returns how many changed.
func (r *Registry) MarkStale(ctx context.Context, cutoff time.Time) (int64, error) {
	res := r.db.WithContext(ctx).Model(&models.Machine{}).
		Where("status = ? AND (last_seen IS NULL OR last_seen < ?)", models.MachineOnline, cutoff.UTC()).
		Update("status", models.MachineOffline)
	if res.Error != nil {
		return 0, fmt.Errorf("registry: mark stale: %w", res.Error)
	}
	return res.RowsAffected, nil
}

func marshalList(v []string) (string, error) {
	if v == nil {
		v = []string{}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func unmarshalList(s string) []string {
	out := []string{}
	if s == "" {
		return out
	}
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return []string{}
	}
	return out
}
