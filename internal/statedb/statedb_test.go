package statedb

import (
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func newTestDB(t *testing.T) *StateDB {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "state.db")
	db, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := db.Migrate(); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func seedProject(t *testing.T, db *StateDB, id string) {
	t.Helper()
	if err := db.SaveProject(&ProjectRow{ID: id, TmuxSession: "relay-" + id, WorkDir: "/src/" + id}); err != nil {
		t.Fatalf("SaveProject: %v", err)
	}
}

func TestOpenClose(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "state.db")

	db1, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := db1.Migrate(); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	seedProject(t, db1, "web")
	db1.Close()

	db2, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Reopen: %v", err)
	}
	defer db2.Close()
	if err := db2.Migrate(); err != nil {
		t.Fatalf("Migrate twice: %v", err)
	}

	p, err := db2.GetProject("web")
	if err != nil {
		t.Fatalf("GetProject: %v", err)
	}
	if p.TmuxSession != "relay-web" || p.WorkDir != "/src/web" {
		t.Errorf("Unexpected project: %+v", p)
	}

	version, _ := db2.GetMeta("schema_version")
	if version != fmt.Sprintf("%d", SchemaVersion) {
		t.Errorf("schema_version = %q", version)
	}
}

func TestProjectCRUD(t *testing.T) {
	db := newTestDB(t)

	if _, err := db.GetProject("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetProject(missing) err = %v, want ErrNotFound", err)
	}
	if err := db.SaveProject(&ProjectRow{ID: "web"}); err == nil {
		t.Error("SaveProject without session should fail")
	}

	seedProject(t, db, "web")
	seedProject(t, db, "api")

	// upsert keeps created_at
	first, _ := db.GetProject("web")
	if err := db.SaveProject(&ProjectRow{ID: "web", TmuxSession: "relay-web2", CreatedAt: time.Now().Add(time.Hour)}); err != nil {
		t.Fatalf("SaveProject update: %v", err)
	}
	updated, _ := db.GetProject("web")
	if updated.TmuxSession != "relay-web2" {
		t.Errorf("TmuxSession = %q, want relay-web2", updated.TmuxSession)
	}
	if !updated.CreatedAt.Equal(first.CreatedAt) {
		t.Errorf("CreatedAt changed on update: %v -> %v", first.CreatedAt, updated.CreatedAt)
	}

	projects, err := db.ListProjects()
	if err != nil {
		t.Fatalf("ListProjects: %v", err)
	}
	if len(projects) != 2 || projects[0].ID != "api" || projects[1].ID != "web" {
		t.Errorf("ListProjects = %+v", projects)
	}

	if err := db.DeleteProject("api"); err != nil {
		t.Fatalf("DeleteProject: %v", err)
	}
	if err := db.DeleteProject("api"); !errors.Is(err, ErrNotFound) {
		t.Errorf("second DeleteProject err = %v, want ErrNotFound", err)
	}
}

func TestSaveRejectsInvalidIDs(t *testing.T) {
	db := newTestDB(t)
	seedProject(t, db, "web")

	for _, id := range []string{"a:b", "../x", "web app", "a.b", "ü"} {
		if err := db.SaveProject(&ProjectRow{ID: id, TmuxSession: "relay-x"}); !errors.Is(err, ErrInvalidID) {
			t.Errorf("SaveProject(%q) err = %v, want ErrInvalidID", id, err)
		}
		if err := db.SaveAgent(&AgentRow{ProjectID: "web", AgentID: id}); !errors.Is(err, ErrInvalidID) {
			t.Errorf("SaveAgent(%q) err = %v, want ErrInvalidID", id, err)
		}
	}
	if err := db.SaveAgent(&AgentRow{ProjectID: "a:b", AgentID: "c"}); !errors.Is(err, ErrInvalidID) {
		t.Errorf("SaveAgent with bad project id err = %v, want ErrInvalidID", err)
	}

	for _, id := range []string{"web-2", "claude_code", "API"} {
		if err := ValidateID(id); err != nil {
			t.Errorf("ValidateID(%q) = %v, want nil", id, err)
		}
	}
	projects, err := db.ListProjects()
	if err != nil {
		t.Fatalf("ListProjects: %v", err)
	}
	if len(projects) != 1 {
		t.Fatalf("invalid ids were stored: %+v", projects)
	}
}

func TestAgentCRUD(t *testing.T) {
	db := newTestDB(t)

	if err := db.SaveAgent(&AgentRow{ProjectID: "nope", AgentID: "claude"}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("SaveAgent for missing project err = %v, want ErrNotFound", err)
	}

	seedProject(t, db, "web")
	if err := db.SaveAgent(&AgentRow{
		ProjectID: "web", AgentID: "claude", Command: "claude", ChannelID: "-1001",
		VerifySubmit: true, Enabled: true,
	}); err != nil {
		t.Fatalf("SaveAgent: %v", err)
	}

	a, err := db.GetAgent("web", "claude")
	if err != nil {
		t.Fatalf("GetAgent: %v", err)
	}
	if a.Window != "claude" {
		t.Errorf("Window defaulted to %q, want agent id", a.Window)
	}
	if !a.VerifySubmit || a.EventHooks || !a.Enabled {
		t.Errorf("flags not round-tripped: %+v", a)
	}

	if err := db.UpdateAgentField("web", "claude", "channel_id", "-2002"); err != nil {
		t.Fatalf("UpdateAgentField: %v", err)
	}
	if err := db.UpdateAgentField("web", "claude", "enabled", false); err != nil {
		t.Fatalf("UpdateAgentField bool: %v", err)
	}
	if err := db.UpdateAgentField("web", "claude", "project_id; DROP TABLE agents", "x"); err == nil {
		t.Error("UpdateAgentField accepted an unknown field")
	}
	if err := db.UpdateAgentField("web", "ghost", "command", "x"); !errors.Is(err, ErrNotFound) {
		t.Errorf("UpdateAgentField(ghost) err = %v, want ErrNotFound", err)
	}

	a, _ = db.GetAgent("web", "claude")
	if a.ChannelID != "-2002" || a.Enabled {
		t.Errorf("update not applied: %+v", a)
	}

	if err := db.DeleteAgent("web", "claude"); err != nil {
		t.Fatalf("DeleteAgent: %v", err)
	}
	if _, err := db.GetAgent("web", "claude"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetAgent after delete err = %v", err)
	}
}

func TestListTargets(t *testing.T) {
	db := newTestDB(t)
	seedProject(t, db, "web")
	seedProject(t, db, "api")

	agents := []*AgentRow{
		{ProjectID: "web", AgentID: "claude", ChannelID: "-1001", Enabled: true, VerifySubmit: true},
		{ProjectID: "web", AgentID: "codex", Window: "cx", ChannelID: "-1001", Enabled: true, EventHooks: true},
		{ProjectID: "api", AgentID: "claude", Enabled: true},
		{ProjectID: "api", AgentID: "gemini", ChannelID: "-1003", Enabled: false},
	}
	for _, a := range agents {
		if err := db.SaveAgent(a); err != nil {
			t.Fatalf("SaveAgent %s:%s: %v", a.ProjectID, a.AgentID, err)
		}
	}

	targets, err := db.ListTargets()
	if err != nil {
		t.Fatalf("ListTargets: %v", err)
	}
	if len(targets) != 3 {
		t.Fatalf("Expected 3 enabled targets, got %d", len(targets))
	}
	if targets[0].ProjectID != "api" || targets[0].TmuxSession != "relay-api" {
		t.Errorf("targets[0] = %+v", targets[0])
	}
	codex := targets[2]
	if codex.AgentID != "codex" || codex.Window != "cx" || !codex.EventHooks || codex.WorkDir != "/src/web" {
		t.Errorf("codex target = %+v", codex)
	}

	// listing is fresh every call
	if err := db.DeleteProject("web"); err != nil {
		t.Fatalf("DeleteProject: %v", err)
	}
	targets, _ = db.ListTargets()
	if len(targets) != 1 {
		t.Errorf("Expected agents to cascade with project, got %d targets", len(targets))
	}
	remaining, _ := db.ListAgents("")
	if len(remaining) != 2 {
		t.Errorf("ListAgents after cascade = %d, want 2", len(remaining))
	}
}

func TestDeliveries(t *testing.T) {
	db := newTestDB(t)

	old := &DeliveryRow{
		ProjectID: "web", AgentID: "claude", Direction: DirectionOut,
		Kind: "working", Result: "ok", CreatedAt: time.Now().Add(-48 * time.Hour),
	}
	id, err := db.RecordDelivery(old)
	if err != nil {
		t.Fatalf("RecordDelivery: %v", err)
	}
	if len(id) != 36 {
		t.Errorf("delivery id %q is not a uuid", id)
	}
	for i := 0; i < 3; i++ {
		if _, err := db.RecordDelivery(&DeliveryRow{
			ProjectID: "web", AgentID: "claude", Direction: DirectionIn,
			Kind: "prompt", Result: "delivered", Detail: fmt.Sprintf("msg %d", i),
			CreatedAt: time.Now().Add(time.Duration(i) * time.Millisecond),
		}); err != nil {
			t.Fatalf("RecordDelivery: %v", err)
		}
	}

	recent, err := db.RecentDeliveries(2)
	if err != nil {
		t.Fatalf("RecentDeliveries: %v", err)
	}
	if len(recent) != 2 || recent[0].Detail != "msg 2" {
		t.Errorf("RecentDeliveries = %+v", recent)
	}

	n, err := db.PruneDeliveries(24 * time.Hour)
	if err != nil {
		t.Fatalf("PruneDeliveries: %v", err)
	}
	if n != 1 {
		t.Errorf("pruned %d, want 1", n)
	}
}

func TestPushSubscriptions(t *testing.T) {
	db := newTestDB(t)

	if err := db.SavePushSubscription(&PushSubscriptionRow{}); err == nil {
		t.Error("empty endpoint accepted")
	}
	sub := &PushSubscriptionRow{Endpoint: "https://push.example/abc", P256dh: "key", Auth: "auth"}
	if err := db.SavePushSubscription(sub); err != nil {
		t.Fatalf("SavePushSubscription: %v", err)
	}
	sub.Auth = "auth2"
	if err := db.SavePushSubscription(sub); err != nil {
		t.Fatalf("SavePushSubscription again: %v", err)
	}

	subs, err := db.ListPushSubscriptions()
	if err != nil {
		t.Fatalf("ListPushSubscriptions: %v", err)
	}
	if len(subs) != 1 || subs[0].Auth != "auth2" {
		t.Errorf("subscriptions = %+v", subs)
	}

	if err := db.DeletePushSubscription(sub.Endpoint); err != nil {
		t.Fatalf("DeletePushSubscription: %v", err)
	}
	subs, _ = db.ListPushSubscriptions()
	if len(subs) != 0 {
		t.Errorf("Expected no subscriptions, got %d", len(subs))
	}
}

func TestHeartbeatCleanup(t *testing.T) {
	db := newTestDB(t)

	stale := time.Now().Add(-2 * time.Minute).Unix()
	if _, err := db.DB().Exec(
		"INSERT INTO daemon_heartbeats (pid, started, heartbeat, is_primary) VALUES (?, ?, ?, ?)",
		99999, stale, stale, 0,
	); err != nil {
		t.Fatalf("Insert stale: %v", err)
	}
	if err := db.RegisterDaemon(); err != nil {
		t.Fatalf("RegisterDaemon: %v", err)
	}
	if err := db.Heartbeat(); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}
	if err := db.CleanDeadDaemons(30 * time.Second); err != nil {
		t.Fatalf("CleanDeadDaemons: %v", err)
	}

	count, _ := db.AliveDaemonCount(30 * time.Second)
	if count != 1 {
		t.Errorf("Expected 1 alive after cleanup, got %d", count)
	}

	if err := db.UnregisterDaemon(); err != nil {
		t.Fatalf("UnregisterDaemon: %v", err)
	}
	count, _ = db.AliveDaemonCount(30 * time.Second)
	if count != 0 {
		t.Errorf("Expected 0 alive after unregister, got %d", count)
	}
}

func TestElectPrimary(t *testing.T) {
	db := newTestDB(t)
	if err := db.RegisterDaemon(); err != nil {
		t.Fatalf("RegisterDaemon: %v", err)
	}

	ok, err := db.ElectPrimary(30 * time.Second)
	if err != nil || !ok {
		t.Fatalf("first daemon should become primary: ok=%v err=%v", ok, err)
	}
	ok, _ = db.ElectPrimary(30 * time.Second)
	if !ok {
		t.Error("should stay primary on repeat call")
	}

	if err := db.ResignPrimary(); err != nil {
		t.Fatalf("ResignPrimary: %v", err)
	}
	now := time.Now().Unix()
	if _, err := db.DB().Exec(
		"INSERT INTO daemon_heartbeats (pid, started, heartbeat, is_primary) VALUES (?, ?, ?, 1)",
		10001, now, now,
	); err != nil {
		t.Fatalf("Insert other primary: %v", err)
	}
	ok, _ = db.ElectPrimary(30 * time.Second)
	if ok {
		t.Error("should not take over from a live primary")
	}
}

func TestElectPrimary_Failover(t *testing.T) {
	db := newTestDB(t)

	stale := time.Now().Add(-2 * time.Minute).Unix()
	if _, err := db.DB().Exec(
		"INSERT INTO daemon_heartbeats (pid, started, heartbeat, is_primary) VALUES (?, ?, ?, 1)",
		10001, stale, stale,
	); err != nil {
		t.Fatalf("Insert stale primary: %v", err)
	}
	if err := db.RegisterDaemon(); err != nil {
		t.Fatalf("RegisterDaemon: %v", err)
	}

	ok, err := db.ElectPrimary(30 * time.Second)
	if err != nil {
		t.Fatalf("ElectPrimary: %v", err)
	}
	if !ok {
		t.Error("should take over from a stale primary")
	}
}

func TestTouchAndLastModified(t *testing.T) {
	db := newTestDB(t)

	ts0, err := db.LastModified()
	if err != nil {
		t.Fatalf("LastModified: %v", err)
	}
	if ts0 != 0 {
		t.Errorf("Expected 0 before any change, got %d", ts0)
	}

	seedProject(t, db, "web")
	ts1, _ := db.LastModified()
	if ts1 == 0 {
		t.Fatal("SaveProject did not touch the registry")
	}

	time.Sleep(2 * time.Millisecond)
	if err := db.SaveAgent(&AgentRow{ProjectID: "web", AgentID: "claude", Enabled: true}); err != nil {
		t.Fatalf("SaveAgent: %v", err)
	}
	ts2, _ := db.LastModified()
	if ts2 <= ts1 {
		t.Errorf("Expected ts2 > ts1: %d <= %d", ts2, ts1)
	}
}

func TestConcurrentAccess(t *testing.T) {
	db := newTestDB(t)
	seedProject(t, db, "web")

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				_, _ = db.ListTargets()
				_, _ = db.RecentDeliveries(10)
			}
		}()
	}
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				agent := fmt.Sprintf("agent-%d", idx)
				_ = db.SaveAgent(&AgentRow{ProjectID: "web", AgentID: agent, Enabled: true})
				_, _ = db.RecordDelivery(&DeliveryRow{ProjectID: "web", AgentID: agent, Direction: DirectionOut, Kind: "working", Result: "ok"})
			}
		}(i)
	}
	wg.Wait()

	agents, err := db.ListAgents("web")
	if err != nil {
		t.Fatalf("ListAgents: %v", err)
	}
	if len(agents) != 3 {
		t.Errorf("Expected 3 agents, got %d", len(agents))
	}
}
