package registry

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/zulandar/intercom/internal/config"
	"github.com/zulandar/intercom/internal/db"
	"github.com/zulandar/intercom/internal/models"
	"github.com/zulandar/intercom/internal/router"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func testRegistry(t *testing.T) (*Registry, *clock) {
	t.Helper()
	gdb, err := db.Open(config.DatabaseConfig{Driver: "sqlite", Path: ":memory:"})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := db.AutoMigrate(gdb); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	c := &clock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	return New(gdb, Opts{Now: c.now}), c
}

func mustRegister(t *testing.T, r *Registry, id, token string) {
	t.Helper()
	err := r.RegisterMachine(context.Background(), MachineInfo{
		ID:        id,
		DaemonURL: "http://" + id + ":7701",
		Token:     token,
	})
	if err != nil {
		t.Fatalf("RegisterMachine(%s): %v", id, err)
	}
}

// --- Machines ---

func TestRegisterMachine_InsertsOnline(t *testing.T) {
	r, c := testRegistry(t)
	ctx := context.Background()
	mustRegister(t, r, "laptop", "s3cret")

	m, err := r.GetMachine(ctx, "laptop")
	if err != nil {
		t.Fatalf("GetMachine: %v", err)
	}
	if m.Status != models.MachineOnline {
		t.Errorf("Status = %q, want online", m.Status)
	}
	if m.DisplayName != "laptop" {
		t.Errorf("DisplayName = %q, want id fallback", m.DisplayName)
	}
	if m.LastSeen == nil || !m.LastSeen.Equal(c.t) {
		t.Errorf("LastSeen = %v, want %v", m.LastSeen, c.t)
	}
}

func TestRegisterMachine_UpdateKeepsTokenWhenEmpty(t *testing.T) {
	r, _ := testRegistry(t)
	ctx := context.Background()
	mustRegister(t, r, "laptop", "s3cret")

	err := r.RegisterMachine(ctx, MachineInfo{ID: "laptop", DisplayName: "Work Laptop", DaemonURL: "http://10.0.0.2:7701"})
	if err != nil {
		t.Fatal(err)
	}
	m, _ := r.GetMachine(ctx, "laptop")
	if m.Token != "s3cret" {
		t.Errorf("Token = %q, want kept", m.Token)
	}
	if m.DisplayName != "Work Laptop" || m.DaemonURL != "http://10.0.0.2:7701" {
		t.Errorf("machine = %+v", m)
	}
}

func TestRegisterMachine_RequiresID(t *testing.T) {
	r, _ := testRegistry(t)
	if err := r.RegisterMachine(context.Background(), MachineInfo{}); err == nil {
		t.Error("expected error for empty id")
	}
}

func TestGetMachine_NotFound(t *testing.T) {
	r, _ := testRegistry(t)
	_, err := r.GetMachine(context.Background(), "ghost")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestSeedMachines(t *testing.T) {
	r, _ := testRegistry(t)
	ctx := context.Background()
	err := r.SeedMachines(ctx, []config.StaticMachine{
		{ID: "server", URL: "http://server:7701", Token: "tok"},
	})
	if err != nil {
		t.Fatalf("SeedMachines: %v", err)
	}
	node, ok, err := r.GetNode(ctx, "server")
	if err != nil || !ok {
		t.Fatalf("GetNode = %v, %v", ok, err)
	}
	want := router.Node{ID: "server", URL: "http://server:7701", Secret: "tok", Status: router.NodeUnknown}
	if node != want {
		t.Errorf("node = %+v, want %+v", node, want)
	}

	// Re-seeding after registration does not reset the status.
	mustRegister(t, r, "server", "")
	if err := r.SeedMachines(ctx, []config.StaticMachine{{ID: "server", URL: "http://server:7701", Token: "tok2"}}); err != nil {
		t.Fatal(err)
	}
	m, _ := r.GetMachine(ctx, "server")
	if m.Status != models.MachineOnline || m.Token != "tok2" {
		t.Errorf("machine = %+v", m)
	}
}

func TestGetNode_Unknown(t *testing.T) {
	r, _ := testRegistry(t)
	_, ok, err := r.GetNode(context.Background(), "ghost")
	if err != nil || ok {
		t.Errorf("GetNode = %v, %v; want false, nil", ok, err)
	}
}

func TestMachineToken(t *testing.T) {
	r, _ := testRegistry(t)
	ctx := context.Background()
	mustRegister(t, r, "laptop", "s3cret")

	if tok, err := r.MachineToken(ctx, "laptop"); err != nil || tok != "s3cret" {
		t.Errorf("MachineToken = %q, %v", tok, err)
	}
	if tok, err := r.MachineToken(ctx, "ghost"); err != nil || tok != "" {
		t.Errorf("MachineToken(ghost) = %q, %v", tok, err)
	}
}

func TestHeartbeat(t *testing.T) {
	r, c := testRegistry(t)
	ctx := context.Background()
	mustRegister(t, r, "laptop", "s3cret")

	c.advance(time.Minute)
	if err := r.Heartbeat(ctx, "laptop"); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}
	m, _ := r.GetMachine(ctx, "laptop")
	if !m.LastSeen.Equal(c.t) {
		t.Errorf("LastSeen = %v, want %v", m.LastSeen, c.t)
	}

	if err := r.Heartbeat(ctx, "ghost"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Heartbeat(ghost) = %v, want ErrNotFound", err)
	}
}

func TestRevoke(t *testing.T) {
	r, _ := testRegistry(t)
	ctx := context.Background()
	mustRegister(t, r, "laptop", "s3cret")

	if err := r.Revoke(ctx, "laptop"); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	m, _ := r.GetMachine(ctx, "laptop")
	if m.Status != models.MachineRevoked || m.Token != "" {
		t.Errorf("machine = %+v, want revoked without token", m)
	}
	if err := r.Heartbeat(ctx, "laptop"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Heartbeat after revoke = %v, want ErrNotFound", err)
	}
	if err := r.Revoke(ctx, "ghost"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Revoke(ghost) = %v, want ErrNotFound", err)
	}
}

func TestListMachines(t *testing.T) {
	r, _ := testRegistry(t)
	mustRegister(t, r, "zeta", "a")
	mustRegister(t, r, "alpha", "b")
	ms, err := r.ListMachines(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(ms) != 2 || ms[0].ID != "alpha" || ms[1].ID != "zeta" {
		t.Errorf("machines = %+v", ms)
	}
}

// --- Projects ---

func TestRegisterProject_AndListAgents(t *testing.T) {
	r, _ := testRegistry(t)
	ctx := context.Background()
	mustRegister(t, r, "server", "tok")

	err := r.RegisterProject(ctx, "server", ProjectInfo{
		ID:           "api",
		Description:  "REST API",
		Capabilities: []string{"go", "sql"},
		Path:         "/srv/api",
	})
	if err != nil {
		t.Fatalf("RegisterProject: %v", err)
	}

	agents, err := r.ListAgents(ctx, "", "")
	if err != nil {
		t.Fatalf("ListAgents: %v", err)
	}
	if len(agents) != 1 {
		t.Fatalf("len(agents) = %d, want 1", len(agents))
	}
	a := agents[0]
	if a.Address != "server/api" || a.MachineName != "server" || a.MachineStatus != models.MachineOnline {
		t.Errorf("agent = %+v", a)
	}
	if len(a.Capabilities) != 2 || a.Capabilities[1] != "sql" {
		t.Errorf("Capabilities = %v", a.Capabilities)
	}
	if a.Tags == nil || len(a.Tags) != 0 {
		t.Errorf("Tags = %#v, want empty non-nil", a.Tags)
	}
	if a.LastSeen == nil {
		t.Error("LastSeen = nil, want machine last_seen")
	}
}

func TestRegisterProject_RequiresID(t *testing.T) {
	r, _ := testRegistry(t)
	if err := r.RegisterProject(context.Background(), "server", ProjectInfo{}); err == nil {
		t.Error("expected error for empty project id")
	}
}

func TestListAgents_Filters(t *testing.T) {
	r, _ := testRegistry(t)
	ctx := context.Background()
	mustRegister(t, r, "server", "tok")
	mustRegister(t, r, "laptop", "tok")
	r.RegisterProject(ctx, "server", ProjectInfo{ID: "api"})
	r.RegisterProject(ctx, "server", ProjectInfo{ID: "web"})
	r.RegisterProject(ctx, "laptop", ProjectInfo{ID: "notes"})
	r.Revoke(ctx, "laptop")

	tests := []struct {
		name    string
		status  string
		machine string
		want    []string
	}{
		{"all", "", "", []string{"laptop/notes", "server/api", "server/web"}},
		{"online", "online", "", []string{"server/api", "server/web"}},
		{"revoked", "revoked", "", []string{"laptop/notes"}},
		{"machine", "", "server", []string{"server/api", "server/web"}},
		{"both no match", "online", "laptop", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			agents, err := r.ListAgents(ctx, tt.status, tt.machine)
			if err != nil {
				t.Fatal(err)
			}
			if len(agents) != len(tt.want) {
				t.Fatalf("got %d agents, want %d", len(agents), len(tt.want))
			}
			for i, a := range agents {
				if a.Address != tt.want[i] {
					t.Errorf("agents[%d] = %s, want %s", i, a.Address, tt.want[i])
				}
			}
		})
	}
}

func TestSyncProjects_Prunes(t *testing.T) {
	r, _ := testRegistry(t)
	ctx := context.Background()
	mustRegister(t, r, "server", "tok")
	r.RegisterProject(ctx, "server", ProjectInfo{ID: "old"})
	r.RegisterProject(ctx, "server", ProjectInfo{ID: "api", Description: "v1"})

	err := r.SyncProjects(ctx, "server", []ProjectInfo{{ID: "api", Description: "v2"}, {ID: "web"}})
	if err != nil {
		t.Fatalf("SyncProjects: %v", err)
	}
	agents, _ := r.ListAgents(ctx, "", "server")
	if len(agents) != 2 || agents[0].ProjectID != "api" || agents[1].ProjectID != "web" {
		t.Fatalf("agents = %+v", agents)
	}
	if agents[0].Description != "v2" {
		t.Errorf("Description = %q, want v2", agents[0].Description)
	}

	if err := r.SyncProjects(ctx, "server", nil); err != nil {
		t.Fatal(err)
	}
	agents, _ = r.ListAgents(ctx, "", "server")
	if len(agents) != 0 {
		t.Errorf("agents after empty sync = %+v", agents)
	}
}

func TestUpdateProject(t *testing.T) {
	r, _ := testRegistry(t)
	ctx := context.Background()
	mustRegister(t, r, "server", "tok")
	r.RegisterProject(ctx, "server", ProjectInfo{ID: "api"})

	err := r.UpdateProject(ctx, "server", "api", map[string]any{
		"description": "payments",
		"tags":        []string{"prod"},
	})
	if err != nil {
		t.Fatalf("UpdateProject: %v", err)
	}
	agents, _ := r.ListAgents(ctx, "", "")
	if agents[0].Description != "payments" || len(agents[0].Tags) != 1 || agents[0].Tags[0] != "prod" {
		t.Errorf("agent = %+v", agents[0])
	}
}

func TestUpdateProject_Errors(t *testing.T) {
	r, _ := testRegistry(t)
	ctx := context.Background()
	mustRegister(t, r, "server", "tok")
	r.RegisterProject(ctx, "server", ProjectInfo{ID: "api"})

	if err := r.UpdateProject(ctx, "server", "api", map[string]any{"machine_id": "x"}); err == nil {
		t.Error("expected error for non-whitelisted field")
	}
	err := r.UpdateProject(ctx, "server", "ghost", map[string]any{"description": "x"})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
	if err := r.UpdateProject(ctx, "server", "ghost", nil); err != nil {
		t.Errorf("empty update = %v, want nil", err)
	}
}

func TestRemoveProject(t *testing.T) {
	r, _ := testRegistry(t)
	ctx := context.Background()
	mustRegister(t, r, "server", "tok")
	r.RegisterProject(ctx, "server", ProjectInfo{ID: "api"})

	if err := r.RemoveProject(ctx, "server", "api"); err != nil {
		t.Fatal(err)
	}
	agents, _ := r.ListAgents(ctx, "", "")
	if len(agents) != 0 {
		t.Errorf("agents = %+v", agents)
	}
}

// --- Sweeper ---

func TestSweeper_MarksStaleOffline(t *testing.T) {
	r, c := testRegistry(t)
	ctx := context.Background()
	mustRegister(t, r, "quiet", "tok")
	c.advance(2 * time.Minute)
	mustRegister(t, r, "chatty", "tok")
	r.SeedMachines(ctx, []config.StaticMachine{{ID: "seeded", Token: "tok"}})

	s, err := NewSweeper(r, "* * * * *", 90*time.Second, nil)
	if err != nil {
		t.Fatalf("NewSweeper: %v", err)
	}
	n, err := s.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if n != 1 {
		t.Errorf("Sweep = %d, want 1", n)
	}

	want := map[string]string{
		"quiet":  models.MachineOffline,
		"chatty": models.MachineOnline,
		"seeded": models.MachineUnknown,
	}
	for id, status := range want {
		m, err := r.GetMachine(ctx, id)
		if err != nil {
			t.Fatal(err)
		}
		if m.Status != status {
			t.Errorf("%s status = %q, want %q", id, m.Status, status)
		}
	}

	// A heartbeat brings the machine back.
	if err := r.Heartbeat(ctx, "quiet"); err != nil {
		t.Fatal(err)
	}
	if n, _ := s.Sweep(ctx); n != 0 {
		t.Errorf("second Sweep = %d, want 0", n)
	}
}

func TestNewSweeper_BadExpr(t *testing.T) {
	r, _ := testRegistry(t)
	if _, err := NewSweeper(r, "not a cron", time.Minute, nil); err == nil {
		t.Error("expected parse error")
	}
}

func TestSweeper_RunStopsOnCancel(t *testing.T) {
	r, _ := testRegistry(t)
	s, err := NewSweeper(r, "* * * * *", time.Minute, nil)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run = %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestViewOf_OmitsToken(t *testing.T) {
	v := ViewOf(models.Machine{ID: "laptop", Token: "ict_secret", Status: models.MachineOnline})
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if strings.Contains(string(data), "ict_secret") {
		t.Errorf("view leaks token: %s", data)
	}
	if v.ID != "laptop" || v.Status != models.MachineOnline {
		t.Errorf("view = %+v", v)
	}
}
