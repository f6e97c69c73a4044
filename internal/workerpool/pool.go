package workerpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/ShayCichocki/conductor/internal/sandbox"
	"github.com/ShayCichocki/conductor/pkg/models"
)

// DefaultAcquireTimeout bounds Acquire when Options leaves it unset.
const DefaultAcquireTimeout = 30 * time.Second

// Request describes the worker a task run needs.
type Request struct {
	JobID   string
	TaskID  string
	Attempt int
	Role    string
	// Mode is existing, ephemeral or mixed.
	Mode models.WorkerMode
	// Profile is the spawn profile for ephemeral workers. May be nil.
	Profile *models.SpawnProfile
}

// Worker is a leased worker identity plus the workspace it acts in.
type Worker struct {
	Name      string
	Mode      models.WorkerMode
	Role      string
	Persona   string
	Provider  string
	Model     string
	Workspace *sandbox.Workspace
}

// Options configures a Pool.
type Options struct {
	// Ceiling is the pool-wide maximum of concurrently leased workers.
	Ceiling        int
	AcquireTimeout time.Duration
	Runtime        sandbox.Runtime
	Registry       *Registry
	Log            *logrus.Entry
}

// Stats is a snapshot of pool usage.
type Stats struct {
	Ceiling   int
	InUse     int
	Ephemeral int
	// Peak is the highest InUse observed.
	Peak int
	// PeakEphemeral is the highest number of live ephemeral workers observed.
	PeakEphemeral int
	// Agents lists the registered persistent agents in registration order.
	Agents []AgentUsage
}

// AgentUsage is the load of one persistent agent.
type AgentUsage struct {
	Name   string
	Roles  []string
	Active int
	Total  int
}

// Pool leases workers under a shared concurrency ceiling.
type Pool struct {
	sem      *semaphore.Weighted
	ceiling  int
	timeout  time.Duration
	runtime  sandbox.Runtime
	registry *Registry
	log      *logrus.Entry

	mu    sync.Mutex
	stats Stats
}

// New creates a pool.
func New(opts Options) *Pool {
	ceiling := opts.Ceiling
	if ceiling < 1 {
		ceiling = 1
	}
	timeout := opts.AcquireTimeout
	if timeout <= 0 {
		timeout = DefaultAcquireTimeout
	}
	reg := opts.Registry
	if reg == nil {
		reg = NewRegistry()
	}
	return &Pool{
		sem:      semaphore.NewWeighted(int64(ceiling)),
		ceiling:  ceiling,
		timeout:  timeout,
		runtime:  opts.Runtime,
		registry: reg,
		log:      opts.Log,
		stats:    Stats{Ceiling: ceiling},
	}
}

// RegisterAgents provisions a persistent workspace for each agent and adds
// it to the registry.
func (p *Pool) RegisterAgents(ctx context.Context, agents []models.Agent) error {
	for _, a := range agents {
		if a.Name == "" {
			return models.NewValidationError("agent without a name")
		}
		var ws *sandbox.Workspace
		if p.runtime != nil {
			var err error
			ws, err = p.runtime.Provision(ctx, sandbox.Spec{
				Name:        "agent-" + a.Name,
				Role:        a.Name,
				Persona:     a.Persona,
				RuntimeType: sandbox.RuntimeNative,
			})
			if err != nil {
				return fmt.Errorf("provision agent %s: %w", a.Name, err)
			}
		}
		p.registry.Register(a, ws)
	}
	return nil
}

// Stats returns a snapshot of pool usage.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	s := p.stats
	p.mu.Unlock()

	for _, h := range p.registry.All() {
		active, total := h.Usage()
		a := h.Agent()
		s.Agents = append(s.Agents, AgentUsage{Name: a.Name, Roles: a.Roles, Active: active, Total: total})
	}
	return s
}

// Acquire leases a worker for req. It waits for pool capacity up to the
// acquire timeout and then fails with ErrPoolExhausted. The caller must
// Release the lease.
func (p *Pool) Acquire(ctx context.Context, req Request) (*Lease, error) {
	mode := req.Mode
	if mode == "" {
		mode = models.WorkerModeMixed
	}

	if mode == models.WorkerModeExisting && p.registry.pick(req.Role) == nil {
		return nil, fmt.Errorf("%w: no agent for role %q", models.ErrWorkerUnavailable, req.Role)
	}

	wctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	if err := p.sem.Acquire(wctx, 1); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("%w: no capacity after %s (ceiling %d)", models.ErrPoolExhausted, p.timeout, p.ceiling)
	}

	lease, err := p.lease(ctx, req, mode)
	if err != nil {
		p.sem.Release(1)
		return nil, err
	}
	p.track(lease.Worker.Mode, +1)

	if p.log != nil {
		p.log.WithFields(logrus.Fields{
			"worker": lease.Worker.Name,
			"mode":   lease.Worker.Mode,
			"role":   req.Role,
			"task":   req.TaskID,
		}).Debug("Worker acquired")
	}
	return lease, nil
}

func (p *Pool) lease(ctx context.Context, req Request, mode models.WorkerMode) (*Lease, error) {
	if mode == models.WorkerModeExisting || mode == models.WorkerModeMixed {
		if h := p.registry.pick(req.Role); h != nil {
			h.checkout()
			a := h.Agent()
			return &Lease{
				pool:   p,
				handle: h,
				Worker: &Worker{
					Name:      a.Name,
					Mode:      models.WorkerModeExisting,
					Role:      req.Role,
					Persona:   a.Persona,
					Provider:  a.Provider,
					Model:     a.Model,
					Workspace: h.Workspace(),
				},
			}, nil
		}
		if mode == models.WorkerModeExisting {
			return nil, fmt.Errorf("%w: no agent for role %q", models.ErrWorkerUnavailable, req.Role)
		}
	}
	return p.spawn(ctx, req)
}

func (p *Pool) spawn(ctx context.Context, req Request) (*Lease, error) {
	if p.runtime == nil {
		return nil, fmt.Errorf("%w: no sandbox runtime for ephemeral workers", models.ErrWorkerUnavailable)
	}

	prof := models.SpawnProfile{Role: req.Role}
	if req.Profile != nil {
		prof = *req.Profile
	}
	persona := prof.Persona
	if persona == "" {
		persona = sandbox.DefaultPersona(req.Role)
	}

	name := ephemeralName(req)
	ws, err := p.runtime.Provision(ctx, sandbox.Spec{
		Name:         name,
		Role:         req.Role,
		Persona:      persona,
		RuntimeType:  prof.RuntimeType,
		ImageProfile: prof.ImageProfile,
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: provision %s: %v", models.ErrWorkerUnavailable, name, err)
	}

	return &Lease{
		pool: p,
		Worker: &Worker{
			Name:      name,
			Mode:      models.WorkerModeEphemeral,
			Role:      req.Role,
			Persona:   persona,
			Provider:  prof.Provider,
			Model:     prof.Model,
			Workspace: ws,
		},
	}, nil
}

func ephemeralName(req Request) string {
	if req.TaskID == "" {
		return "ephemeral-" + uuid.New().String()[:8]
	}
	role := req.Role
	if role == "" {
		role = "worker"
	}
	return fmt.Sprintf("ephemeral-%s-%s-%d", req.TaskID, role, req.Attempt)
}

func (p *Pool) track(mode models.WorkerMode, delta int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stats.InUse += delta
	if p.stats.InUse > p.stats.Peak {
		p.stats.Peak = p.stats.InUse
	}
	if mode == models.WorkerModeEphemeral {
		p.stats.Ephemeral += delta
		if p.stats.Ephemeral > p.stats.PeakEphemeral {
			p.stats.PeakEphemeral = p.stats.Ephemeral
		}
	}
}

// Lease is a held worker. Release is idempotent.
type Lease struct {
	Worker *Worker

	pool   *Pool
	handle *AgentHandle
	once   sync.Once
	err    error
}

// Release returns the worker. Ephemeral workspaces are torn down.
// Only the first call has any effect.
func (l *Lease) Release() error {
	l.once.Do(func() {
		p := l.pool
		if l.handle != nil {
			l.handle.checkin()
		} else if l.Worker.Workspace != nil && p.runtime != nil {
			if err := p.runtime.Teardown(l.Worker.Workspace); err != nil {
				l.err = err
				if p.log != nil {
					p.log.WithError(err).WithField("worker", l.Worker.Name).Warn("Workspace teardown failed")
				}
			}
		}
		// Counters drop before the slot frees; Stats must never exceed the ceiling.
		p.track(l.Worker.Mode, -1)
		p.sem.Release(1)

		if p.log != nil {
			p.log.WithField("worker", l.Worker.Name).Debug("Worker released")
		}
	})
	return l.err
}

// IsUnavailable reports whether err means no worker could be leased.
func IsUnavailable(err error) bool {
	return errors.Is(err, models.ErrWorkerUnavailable) || errors.Is(err, models.ErrPoolExhausted)
}
