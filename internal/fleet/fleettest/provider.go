// Package fleettest provides an in-memory fleet.Provider for tests.
package fleettest

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"cattle-orchestrator/internal/fleet"
	"cattle-orchestrator/internal/models"
)

// Provider keeps instances in memory. Servers created through CreateServer
// report "starting" until they have been fetched BootPolls times.
type Provider struct {
	mu sync.Mutex

	Now         func() time.Time
	BootPolls   int
	DeleteDelay time.Duration

	// DeleteErrs queues errors returned by successive DeleteServer calls per id.
	DeleteErrs map[string][]error
	ListErr    error
	CreateErr  error

	servers     map[string]models.CattleInstance
	polls       map[string]int
	nextID      int
	created     []fleet.CreateServerOpts
	deleteCalls map[string]int
	inflight    int
	maxInflight int
}

func New() *Provider {
	return &Provider{
		Now:         time.Now,
		BootPolls:   1,
		DeleteErrs:  map[string][]error{},
		servers:     map[string]models.CattleInstance{},
		polls:       map[string]int{},
		deleteCalls: map[string]int{},
		nextID:      1000,
	}
}

// Add registers an existing instance.
func (p *Provider) Add(inst models.CattleInstance) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if inst.Status == "" {
		inst.Status = models.InstanceRunning
	}
	p.servers[inst.ID] = inst
}

// AddExpiring registers a managed running instance expiring at expiresAt.
func (p *Provider) AddExpiring(id, identity string, createdAt, expiresAt time.Time) models.CattleInstance {
	labels := fleet.InstanceLabels(nil, identity, "task-"+id, createdAt, expiresAt)
	inst := fleet.InstanceFromLabels(id, fleet.ServerName(identity, createdAt), models.InstanceRunning, "198.51.100.1", createdAt, labels)
	p.Add(inst)
	return inst
}

func (p *Provider) ListServers(ctx context.Context, selector string) ([]models.CattleInstance, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ListErr != nil {
		return nil, p.ListErr
	}
	out := make([]models.CattleInstance, 0, len(p.servers))
	for _, inst := range p.servers {
		out = append(out, inst)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (p *Provider) CreateServer(ctx context.Context, opts fleet.CreateServerOpts) (models.CattleInstance, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.CreateErr != nil {
		return models.CattleInstance{}, p.CreateErr
	}
	p.nextID++
	id := strconv.Itoa(p.nextID)
	labels := make(map[string]string, len(opts.Labels))
	for k, v := range opts.Labels {
		labels[k] = v
	}
	inst := fleet.InstanceFromLabels(id, opts.Name, models.InstanceStarting, fmt.Sprintf("203.0.113.%d", p.nextID%250), p.Now(), labels)
	p.servers[id] = inst
	p.created = append(p.created, opts)
	return inst, nil
}

func (p *Provider) GetServer(ctx context.Context, id string) (models.CattleInstance, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	inst, ok := p.servers[id]
	if !ok {
		return models.CattleInstance{}, &fleet.ProviderError{Op: "get server", Status: http.StatusNotFound, Err: fmt.Errorf("server %s not found", id)}
	}
	p.polls[id]++
	if inst.Status == models.InstanceStarting && p.polls[id] >= p.BootPolls {
		inst.Status = models.InstanceRunning
		p.servers[id] = inst
	}
	return inst, nil
}

func (p *Provider) DeleteServer(ctx context.Context, id string) error {
	p.mu.Lock()
	p.deleteCalls[id]++
	p.inflight++
	if p.inflight > p.maxInflight {
		p.maxInflight = p.inflight
	}
	var err error
	if errs := p.DeleteErrs[id]; len(errs) > 0 {
		err = errs[0]
		p.DeleteErrs[id] = errs[1:]
	}
	delay := p.DeleteDelay
	p.mu.Unlock()

	if delay > 0 {
		select {
		case <-ctx.Done():
		case <-time.After(delay):
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.inflight--
	if err != nil {
		return err
	}
	if _, ok := p.servers[id]; !ok {
		return &fleet.ProviderError{Op: "delete server", Status: http.StatusNotFound, Err: fmt.Errorf("server %s not found", id)}
	}
	delete(p.servers, id)
	return nil
}

// Created returns the options of every CreateServer call.
func (p *Provider) Created() []fleet.CreateServerOpts {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]fleet.CreateServerOpts(nil), p.created...)
}

// DeleteCalls returns how many times DeleteServer was called for id.
func (p *Provider) DeleteCalls(id string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.deleteCalls[id]
}

// MaxInflight reports the highest number of concurrent DeleteServer calls.
func (p *Provider) MaxInflight() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.maxInflight
}

// Has reports whether the instance still exists.
func (p *Provider) Has(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.servers[id]
	return ok
}
