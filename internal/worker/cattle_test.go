package worker

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"gopkg.in/yaml.v3"

	"cattle-orchestrator/internal/bootstrap"
	"cattle-orchestrator/internal/cloudinit"
	"cattle-orchestrator/internal/config"
	"cattle-orchestrator/internal/fleet"
	"cattle-orchestrator/internal/fleet/fleettest"
	"cattle-orchestrator/internal/identity"
	"cattle-orchestrator/internal/models"
)

var cattleNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type cattleFixture struct {
	provider *fleettest.Provider
	state    *fleet.State
	broker   *bootstrap.Broker
	handlers *CattleHandlers
}

func newCattleFixture(t *testing.T, mutate func(*config.CattleConfig)) *cattleFixture {
	t.Helper()
	st := openStore(t)
	clock := func() time.Time { return cattleNow }

	root := t.TempDir()
	dir := filepath.Join(root, "rex")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	cfgJSON := `{"schemaVersion":1,"model":{"primary":"openai/gpt-4o","fallbacks":["anthropic/claude-sonnet"]}}`
	if err := os.WriteFile(filepath.Join(dir, "config.json"), []byte(cfgJSON), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "SOUL.md"), []byte("# Rex\n"), 0o600); err != nil {
		t.Fatalf("write soul: %v", err)
	}

	cattle := config.CattleConfig{
		Image:              "debian-12",
		ServerType:         "cx22",
		Location:           "nbg1",
		MaxInstances:       3,
		DefaultTTL:         2 * time.Hour,
		Labels:             map[string]string{"team": "infra"},
		AutoShutdown:       true,
		SecretsBaseURL:     "https://clf.example.com",
		BootstrapTTL:       10 * time.Minute,
		AdminAuthorizedKey: []string{"ssh-ed25519 AAAA admin"},
	}
	if mutate != nil {
		mutate(&cattle)
	}

	p := fleettest.New()
	p.Now = clock
	p.BootPolls = 2
	state := fleet.NewState(st)
	svc := fleet.NewService(p, state,
		fleet.WithClock(clock),
		fleet.WithSleep(func(ctx context.Context, d time.Duration) error { return nil }),
	)
	broker := bootstrap.NewBroker(st, bootstrap.WithClock(clock))
	h := NewCattleHandlers(svc, broker, identity.NewLoader(root), cattle, 4,
		WithCattleClock(clock),
		WithWaitPolling(2*time.Second, time.Millisecond),
	)
	return &cattleFixture{provider: p, state: state, broker: broker, handlers: h}
}

func cattleJob(kind, payload string) models.Job {
	return models.Job{ID: "job-1", Kind: kind, Requester: "ops", Payload: json.RawMessage(payload)}
}

const spawnPayload = `{"identity":"rex","ttl":"30m","withGithubToken":true,"task":{"schemaVersion":1,"taskId":"t-1","type":"chat","message":"hi"}}`

func TestSpawnCreatesInstanceWithBootstrapToken(t *testing.T) {
	ctx := context.Background()
	f := newCattleFixture(t, nil)

	out, err := f.handlers.Spawn(ctx, cattleJob(models.KindCattleSpawn, spawnPayload))
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	res := out.(models.SpawnResult)
	if res.Server.Status != models.InstanceRunning || res.Server.Identity != "rex" || res.Server.TaskID != "t-1" {
		t.Fatalf("unexpected server %+v", res.Server)
	}
	if !res.Server.ExpiresAt.Equal(cattleNow.Add(30 * time.Minute)) {
		t.Fatalf("unexpected expiry %s", res.Server.ExpiresAt)
	}

	created := f.provider.Created()
	if len(created) != 1 {
		t.Fatalf("expected one create call, got %d", len(created))
	}
	opts := created[0]
	if opts.Image != "debian-12" || opts.ServerType != "cx22" || opts.Location != "nbg1" {
		t.Fatalf("unexpected create opts %+v", opts)
	}
	if opts.Labels["team"] != "infra" || opts.Labels[fleet.LabelManagedBy] != fleet.ManagedByValue {
		t.Fatalf("unexpected labels %v", opts.Labels)
	}

	var doc struct {
		WriteFiles []cloudinit.File `yaml:"write_files"`
	}
	if err := yaml.Unmarshal([]byte(opts.UserData), &doc); err != nil {
		t.Fatalf("parse user data: %v", err)
	}
	var boot cloudinit.Bootstrap
	paths := map[string]bool{}
	for _, file := range doc.WriteFiles {
		paths[file.Path] = true
		if file.Path == cloudinit.BootstrapPath {
			if err := json.Unmarshal([]byte(file.Content), &boot); err != nil {
				t.Fatalf("decode bootstrap: %v", err)
			}
		}
	}
	if !paths[filepath.Join(cloudinit.IdentityDir, "SOUL.md")] || !paths[cloudinit.TaskPath] {
		t.Fatalf("missing files in user data: %v", paths)
	}
	if boot.BaseURL != "https://clf.example.com" || boot.Token == "" {
		t.Fatalf("unexpected bootstrap ref %+v", boot)
	}

	tok, err := f.broker.Consume(ctx, boot.Token, cattleNow.Add(time.Minute))
	if err != nil || tok == nil {
		t.Fatalf("consume: tok=%v err=%v", tok, err)
	}
	wantKeys := []string{"ANTHROPIC_API_KEY", "GITHUB_TOKEN", "OPENAI_API_KEY"}
	if len(tok.EnvKeys) != len(wantKeys) {
		t.Fatalf("unexpected env keys %v", tok.EnvKeys)
	}
	for i, k := range wantKeys {
		if tok.EnvKeys[i] != k {
			t.Fatalf("unexpected env keys %v", tok.EnvKeys)
		}
	}
	if tok.CattleName != opts.Name || tok.PublicEnv["CATTLE_IDENTITY"] != "rex" || tok.PublicEnv["CATTLE_AUTO_SHUTDOWN"] != "1" {
		t.Fatalf("unexpected token %+v", tok)
	}

	rec, err := f.state.Get(ctx, res.Server.ID)
	if err != nil {
		t.Fatalf("state get: %v", err)
	}
	if rec.LastStatus != models.InstanceRunning || rec.Task == "" || rec.TaskID != "t-1" {
		t.Fatalf("unexpected record %+v", rec)
	}
}

func TestSpawnEnforcesMaxInstances(t *testing.T) {
	f := newCattleFixture(t, func(c *config.CattleConfig) { c.MaxInstances = 1 })
	f.provider.AddExpiring("1", "rex", cattleNow, cattleNow.Add(time.Hour))

	_, err := f.handlers.Spawn(context.Background(), cattleJob(models.KindCattleSpawn, spawnPayload))
	if !errors.Is(err, fleet.ErrMaxInstances) {
		t.Fatalf("expected ErrMaxInstances, got %v", err)
	}
	if len(f.provider.Created()) != 0 {
		t.Fatalf("no server should have been created")
	}
}

func TestSpawnRequiresSecretsBaseURL(t *testing.T) {
	f := newCattleFixture(t, func(c *config.CattleConfig) { c.SecretsBaseURL = "" })
	if _, err := f.handlers.Spawn(context.Background(), cattleJob(models.KindCattleSpawn, spawnPayload)); err == nil {
		t.Fatalf("expected error without secrets base url")
	}
}

func TestSpawnRejectsBadPayload(t *testing.T) {
	f := newCattleFixture(t, nil)
	for _, payload := range []string{
		`{"identity":"rex"}`,
		`{"identity":"ghost","task":{"schemaVersion":1,"taskId":"t","type":"chat"}}`,
		`{"identity":"rex","ttl":"soon","task":{"schemaVersion":1,"taskId":"t","type":"chat"}}`,
	} {
		if _, err := f.handlers.Spawn(context.Background(), cattleJob(models.KindCattleSpawn, payload)); err == nil {
			t.Fatalf("payload %s: expected error", payload)
		}
	}
}

func TestReapHandler(t *testing.T) {
	f := newCattleFixture(t, nil)
	f.provider.AddExpiring("1", "rex", cattleNow.Add(-2*time.Hour), cattleNow.Add(-time.Hour))
	f.provider.AddExpiring("2", "rex", cattleNow, cattleNow.Add(time.Hour))

	out, err := f.handlers.Reap(context.Background(), cattleJob(models.KindCattleReap, `{}`))
	if err != nil {
		t.Fatalf("reap: %v", err)
	}
	res := out.(models.ReapResult)
	if len(res.DeletedIDs) != 1 || res.DeletedIDs[0] != "1" || f.provider.Has("1") || !f.provider.Has("2") {
		t.Fatalf("unexpected reap result %+v", res)
	}
}

func TestListAndDestroyHandlers(t *testing.T) {
	ctx := context.Background()
	f := newCattleFixture(t, nil)
	f.provider.AddExpiring("1", "rex", cattleNow.Add(-time.Minute), cattleNow.Add(time.Hour))
	f.provider.AddExpiring("2", "fido", cattleNow, cattleNow.Add(time.Hour))
	f.provider.AddExpiring("3", "rex", cattleNow.Add(time.Second), cattleNow.Add(time.Hour))

	out, err := f.handlers.List(ctx, cattleJob(models.KindCattleList, `{"identity":"rex"}`))
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if servers := out.(models.ListResult).Servers; len(servers) != 2 || servers[0].ID != "3" || servers[1].ID != "1" {
		t.Fatalf("unexpected list %+v", servers)
	}

	name := fleet.ServerName("fido", cattleNow)
	out, err = f.handlers.Destroy(ctx, cattleJob(models.KindCattleDestroy, `{"idOrName":"`+name+`"}`))
	if err != nil {
		t.Fatalf("destroy by name: %v", err)
	}
	if res := out.(models.DestroyResult); len(res.DeletedIDs) != 1 || res.DeletedIDs[0] != "2" {
		t.Fatalf("unexpected destroy result %+v", res)
	}

	out, err = f.handlers.Destroy(ctx, cattleJob(models.KindCattleDestroy, `{"all":true,"identity":"rex","dryRun":true}`))
	if err != nil {
		t.Fatalf("destroy dry run: %v", err)
	}
	if res := out.(models.DestroyResult); len(res.Targets) != 2 || len(res.DeletedIDs) != 0 || !f.provider.Has("1") {
		t.Fatalf("unexpected dry run result %+v", res)
	}

	if _, err := f.handlers.Destroy(ctx, cattleJob(models.KindCattleDestroy, `{"idOrName":"nope"}`)); err == nil {
		t.Fatalf("expected not found error")
	}

	if _, err := f.handlers.Destroy(ctx, cattleJob(models.KindCattleDestroy, `{"all":true}`)); err != nil {
		t.Fatalf("destroy all: %v", err)
	}
	if f.provider.Has("1") || f.provider.Has("3") {
		t.Fatalf("expected all servers deleted")
	}
	active, err := f.state.ListActive(ctx)
	if err != nil || len(active) != 0 {
		t.Fatalf("expected no active records, got %d err=%v", len(active), err)
	}
}
