package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"cattle-orchestrator/internal/bootstrap"
	"cattle-orchestrator/internal/cloudinit"
	"cattle-orchestrator/internal/config"
	"cattle-orchestrator/internal/fleet"
	"cattle-orchestrator/internal/identity"
	"cattle-orchestrator/internal/models"
	"cattle-orchestrator/internal/telemetry"
)

const (
	waitRunningTimeout = 3 * time.Minute
	waitRunningPoll    = 2 * time.Second
)

// CattleHandlers executes the cattle.* job kinds.
type CattleHandlers struct {
	fleet           *fleet.Service
	broker          *bootstrap.Broker
	identities      *identity.Loader
	cattle          config.CattleConfig
	reapConcurrency int
	now             func() time.Time
	waitTimeout     time.Duration
	waitPoll        time.Duration
	logger          *slog.Logger
}

type CattleOption func(*CattleHandlers)

func WithCattleClock(now func() time.Time) CattleOption {
	return func(h *CattleHandlers) { h.now = now }
}

func WithCattleLogger(l *slog.Logger) CattleOption {
	return func(h *CattleHandlers) { h.logger = telemetry.Discard(l) }
}

// WithWaitPolling overrides how long spawn waits for the instance to run.
func WithWaitPolling(timeout, poll time.Duration) CattleOption {
	return func(h *CattleHandlers) { h.waitTimeout, h.waitPoll = timeout, poll }
}

func NewCattleHandlers(svc *fleet.Service, broker *bootstrap.Broker, identities *identity.Loader, cattle config.CattleConfig, reapConcurrency int, opts ...CattleOption) *CattleHandlers {
	h := &CattleHandlers{
		fleet:           svc,
		broker:          broker,
		identities:      identities,
		cattle:          cattle,
		reapConcurrency: reapConcurrency,
		now:             time.Now,
		waitTimeout:     waitRunningTimeout,
		waitPoll:        waitRunningPoll,
		logger:          slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Register binds every cattle kind on p.
func (h *CattleHandlers) Register(p *Processor) {
	p.RegisterHandler(models.KindCattleSpawn, h.Spawn)
	p.RegisterHandler(models.KindCattleReap, h.Reap)
	p.RegisterHandler(models.KindCattleList, h.List)
	p.RegisterHandler(models.KindCattleDestroy, h.Destroy)
}

func decode[T models.Payload](job models.Job) (T, error) {
	var zero T
	p, err := models.DecodePayload(job.Kind, job.Payload)
	if err != nil {
		return zero, err
	}
	v, ok := p.(T)
	if !ok {
		return zero, fmt.Errorf("job %s: kind %s does not match handler", job.ID, job.Kind)
	}
	return v, nil
}

// Spawn creates one instance for an identity. Secrets never enter the user
// data: the instance receives a single-use bootstrap token scoped to the
// env keys its model providers need.
func (h *CattleHandlers) Spawn(ctx context.Context, job models.Job) (any, error) {
	p, err := decode[models.SpawnPayload](job)
	if err != nil {
		return nil, err
	}
	if h.cattle.SecretsBaseURL == "" {
		return nil, errors.New("CLF_CATTLE_SECRETS_BASE_URL is required for cattle.spawn")
	}
	id, err := h.identities.Load(p.Identity)
	if err != nil {
		return nil, err
	}
	ttl := h.cattle.DefaultTTL
	if strings.TrimSpace(p.TTL) != "" {
		if ttl, err = fleet.ParseTTL(p.TTL); err != nil {
			return nil, err
		}
	}
	image := firstNonEmpty(p.Image, h.cattle.Image)
	if image == "" {
		return nil, errors.New("no image given and CLF_CATTLE_IMAGE is unset")
	}
	autoShutdown := h.cattle.AutoShutdown
	if p.AutoShutdown != nil {
		autoShutdown = *p.AutoShutdown
	}

	live, err := h.fleet.Live(ctx)
	if err != nil {
		return nil, err
	}
	if len(live) >= h.cattle.MaxInstances {
		return nil, fmt.Errorf("%w (%d/%d)", fleet.ErrMaxInstances, len(live), h.cattle.MaxInstances)
	}

	now := h.now().UTC()
	expiresAt := now.Add(ttl)
	name := fleet.ServerName(id.Name, now)
	labels := fleet.InstanceLabels(h.cattle.Labels, id.Name, p.Task.TaskID, now, expiresAt)

	envKeys := id.RequiredEnvKeys()
	if p.WithGithubToken {
		envKeys = append(envKeys, "GITHUB_TOKEN")
	}
	issued, err := h.broker.Create(ctx, bootstrap.CreateParams{
		JobID:      job.ID,
		Requester:  job.Requester,
		CattleName: name,
		EnvKeys:    envKeys,
		PublicEnv: map[string]string{
			"CATTLE_IDENTITY":      id.Name,
			"CATTLE_TASK_ID":       p.Task.TaskID,
			"CATTLE_MODEL_PRIMARY": id.Config.Model.Primary,
			"CATTLE_AUTO_SHUTDOWN": boolEnv(autoShutdown),
			"CATTLE_EXPIRES_AT":    strconv.FormatInt(expiresAt.Unix(), 10),
		},
		TTL: h.cattle.BootstrapTTL,
	})
	if err != nil {
		return nil, err
	}

	userData, err := cloudinit.Build(cloudinit.Params{
		Hostname:            name,
		AdminAuthorizedKeys: h.cattle.AdminAuthorizedKey,
		Task:                p.Task,
		Bootstrap:           cloudinit.Bootstrap{BaseURL: h.cattle.SecretsBaseURL, Token: issued.Token, ExpiresAt: issued.ExpiresAt},
		Files:               identityFiles(id),
	})
	if err != nil {
		return nil, err
	}

	ctx, span := telemetry.StartSpan(ctx, "cattle.create_server", attribute.String("cattle.name", name))
	defer span.End()
	inst, err := h.fleet.Provider().CreateServer(ctx, fleet.CreateServerOpts{
		Name:       name,
		Image:      image,
		ServerType: firstNonEmpty(p.ServerType, h.cattle.ServerType),
		Location:   firstNonEmpty(p.Location, h.cattle.Location),
		UserData:   userData,
		Labels:     labels,
	})
	if err != nil {
		return nil, err
	}
	telemetry.ServersSpawned.Inc()
	taskJSON, _ := json.Marshal(p.Task)
	if err := h.record(ctx, inst, string(taskJSON)); err != nil {
		return nil, err
	}
	h.logger.Info("cattle server created", "job_id", job.ID, "server_id", inst.ID, "name", name, "expires_at", expiresAt)

	running, err := fleet.WaitForStatus(ctx, h.fleet.Provider(), inst.ID, models.InstanceRunning, h.waitTimeout, h.waitPoll)
	if err != nil {
		return nil, err
	}
	if err := h.record(ctx, running, string(taskJSON)); err != nil {
		return nil, err
	}
	return models.SpawnResult{Server: running}, nil
}

func (h *CattleHandlers) record(ctx context.Context, inst models.CattleInstance, task string) error {
	rec := fleet.RecordFromInstance(inst, nil)
	rec.Task = task
	return h.fleet.State().Upsert(ctx, rec)
}

// Reap deletes expired instances.
func (h *CattleHandlers) Reap(ctx context.Context, job models.Job) (any, error) {
	p, err := decode[models.ReapPayload](job)
	if err != nil {
		return nil, err
	}
	concurrency := p.Concurrency
	if concurrency == 0 {
		concurrency = h.reapConcurrency
	}
	ctx, span := telemetry.StartSpan(ctx, "cattle.reap", attribute.Bool("cattle.dry_run", p.DryRun))
	defer span.End()
	res, err := h.fleet.Reap(ctx, fleet.ReapOptions{DryRun: p.DryRun, Concurrency: concurrency})
	telemetry.ServersReaped.Add(float64(len(res.DeletedIDs)))
	if err != nil {
		return nil, err
	}
	h.logger.Info("reap finished", "job_id", job.ID, "expired", len(res.Expired), "deleted", len(res.DeletedIDs), "dry_run", p.DryRun)
	return res, nil
}

// List reconciles local state and reports the live instances.
func (h *CattleHandlers) List(ctx context.Context, job models.Job) (any, error) {
	p, err := decode[models.ListPayload](job)
	if err != nil {
		return nil, err
	}
	live, err := h.fleet.Reconcile(ctx)
	if err != nil {
		return nil, err
	}
	return models.ListResult{Servers: filterIdentity(live, p.Identity)}, nil
}

// Destroy deletes one instance by id or name, or every managed instance.
func (h *CattleHandlers) Destroy(ctx context.Context, job models.Job) (any, error) {
	p, err := decode[models.DestroyPayload](job)
	if err != nil {
		return nil, err
	}
	live, err := h.fleet.Reconcile(ctx)
	if err != nil {
		return nil, err
	}
	var targets []models.CattleInstance
	if p.All {
		targets = filterIdentity(live, p.Identity)
	} else {
		ref := strings.TrimSpace(p.IDOrName)
		for _, inst := range live {
			if inst.ID == ref || inst.Name == ref {
				targets = append(targets, inst)
				break
			}
		}
		if len(targets) == 0 {
			return nil, fmt.Errorf("cattle server %q not found", ref)
		}
	}
	res := models.DestroyResult{Targets: targets, DeletedIDs: []string{}, DryRun: p.DryRun}
	if targets == nil {
		res.Targets = []models.CattleInstance{}
	}
	if p.DryRun || len(targets) == 0 {
		return res, nil
	}
	ids := make([]string, len(targets))
	for i, t := range targets {
		ids[i] = t.ID
	}
	res.DeletedIDs, err = h.fleet.Delete(ctx, ids, h.reapConcurrency)
	if err != nil {
		return nil, err
	}
	return res, nil
}

func filterIdentity(in []models.CattleInstance, ident string) []models.CattleInstance {
	out := make([]models.CattleInstance, 0, len(in))
	ident = strings.TrimSpace(ident)
	for _, inst := range in {
		if ident == "" || inst.Identity == ident {
			out = append(out, inst)
		}
	}
	return out
}

func identityFiles(id identity.Identity) []cloudinit.File {
	cfg, _ := json.MarshalIndent(id.Config, "", "  ")
	files := []cloudinit.File{{
		Path:        path.Join(cloudinit.IdentityDir, "config.json"),
		Permissions: "0644",
		Owner:       "root:root",
		Content:     string(cfg) + "\n",
	}}
	if id.Soul != "" {
		files = append(files, cloudinit.File{
			Path:        path.Join(cloudinit.IdentityDir, "SOUL.md"),
			Permissions: "0644",
			Owner:       "root:root",
			Content:     id.Soul,
		})
	}
	return files
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

func boolEnv(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
