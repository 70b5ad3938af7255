// Package agentpool tracks the long-lived worker agents that claim and run
// beads (C6): registration, heartbeats, health monitoring, and assignment.
package agentpool

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/antigravity-dev/beadforge/internal/beadcore"
)

// Agent is a registered worker's bookkeeping record.
type Agent struct {
	ID                  beadcore.AgentID
	Role                beadcore.Role
	State               beadcore.AgentState
	AssignedBead        *beadcore.BeadID
	LastHeartbeat       time.Time
	ConsecutiveFailures int
	RegisteredAt        time.Time
}

// Pool tracks registered agents and hands out assignments. Mirrors the
// teacher's health-monitor bookkeeping (internal/health/stuck.go) but in
// process rather than over a SQLite dispatch table, since agents here are
// long-lived pool members, not one-shot dispatch records.
type Pool struct {
	mu                  sync.Mutex
	agents              map[beadcore.AgentID]*Agent
	heartbeatTimeout    time.Duration
	maxConsecutiveFails int
	logger              *slog.Logger

	onUnhealthy func(agentID beadcore.AgentID, reason string)
}

// Config configures a Pool's health thresholds.
type Config struct {
	HeartbeatTimeout    time.Duration
	MaxConsecutiveFails int
	Logger              *slog.Logger
	// OnUnhealthy, if set, is invoked (outside the pool's lock) whenever an
	// agent transitions to Unhealthy. cmd/swarmd wires this to append a
	// WorkerUnhealthy event, which the swarm coordinator reacts to.
	OnUnhealthy func(agentID beadcore.AgentID, reason string)
}

// New constructs a Pool with the given thresholds.
func New(cfg Config) *Pool {
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = 30 * time.Second
	}
	if cfg.MaxConsecutiveFails <= 0 {
		cfg.MaxConsecutiveFails = 3
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Pool{
		agents:              make(map[beadcore.AgentID]*Agent),
		heartbeatTimeout:     cfg.HeartbeatTimeout,
		maxConsecutiveFails:  cfg.MaxConsecutiveFails,
		logger:               cfg.Logger,
		onUnhealthy:          cfg.OnUnhealthy,
	}
}

// RegisterAgent adds a new agent in the Idle state, or re-registers an
// existing one, resetting its failure count and heartbeat.
func (p *Pool) RegisterAgent(id beadcore.AgentID, role beadcore.Role) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.agents[id] = &Agent{
		ID:            id,
		Role:          role,
		State:         beadcore.AgentIdle,
		LastHeartbeat: time.Now(),
		RegisteredAt:  time.Now(),
	}
}

// UnregisterAgent removes an agent from the pool entirely.
func (p *Pool) UnregisterAgent(id beadcore.AgentID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.agents, id)
}

// AssignBead finds an Idle agent of the given role and assigns beadID to
// it, returning the chosen agent's ID. Unhealthy and Terminated agents are
// never assignable.
func (p *Pool) AssignBead(role beadcore.Role, beadID beadcore.BeadID) (beadcore.AgentID, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for id, a := range p.agents {
		if a.Role == role && a.State == beadcore.AgentIdle {
			a.State = beadcore.AgentWorking
			a.AssignedBead = &beadID
			return id, nil
		}
	}
	return "", beadcore.ErrNoAvailableAgents
}

// AssignBeadToAgent assigns beadID to a specific agent, failing if that
// agent isn't Idle.
func (p *Pool) AssignBeadToAgent(id beadcore.AgentID, beadID beadcore.BeadID) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	a, ok := p.agents[id]
	if !ok {
		return beadcore.ErrAgentNotFound
	}
	if a.State != beadcore.AgentIdle {
		return fmt.Errorf("agentpool: agent %s is %s, not idle", id, a.State)
	}
	a.State = beadcore.AgentWorking
	a.AssignedBead = &beadID
	return nil
}

// Release returns an agent to Idle after it finishes (or abandons) its
// assigned bead.
func (p *Pool) Release(id beadcore.AgentID) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	a, ok := p.agents[id]
	if !ok {
		return beadcore.ErrAgentNotFound
	}
	if a.State == beadcore.AgentTerminated {
		return nil
	}
	a.AssignedBead = nil
	if a.State == beadcore.AgentWorking {
		a.State = beadcore.AgentIdle
	}
	return nil
}

// RecordHeartbeat refreshes an agent's last-seen time and clears its
// failure count. Recovering from Unhealthy always lands on Idle with no
// assigned bead: the coordinator reclaims any bead this agent was holding
// when it went unhealthy (via the WorkerUnhealthy event), so the agent must
// not silently re-attach to it.
func (p *Pool) RecordHeartbeat(id beadcore.AgentID) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	a, ok := p.agents[id]
	if !ok {
		return beadcore.ErrAgentNotFound
	}
	a.LastHeartbeat = time.Now()
	a.ConsecutiveFailures = 0
	if a.State == beadcore.AgentUnhealthy {
		a.State = beadcore.AgentIdle
		a.AssignedBead = nil
	}
	return nil
}

// Get returns a copy of an agent's current record.
func (p *Pool) Get(id beadcore.AgentID) (Agent, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	a, ok := p.agents[id]
	if !ok {
		return Agent{}, false
	}
	return *a, true
}

// Snapshot returns a copy of every registered agent.
func (p *Pool) Snapshot() []Agent {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Agent, 0, len(p.agents))
	for _, a := range p.agents {
		out = append(out, *a)
	}
	return out
}

// CheckHealth scans every active agent and transitions any whose heartbeat
// is older than the configured timeout: first a failure-count increment,
// then (once consecutive failures reach the threshold) a transition to
// Unhealthy, invoking onUnhealthy outside the lock.
func (p *Pool) CheckHealth(ctx context.Context) {
	now := time.Now()

	type transition struct {
		id     beadcore.AgentID
		reason string
	}
	var newlyUnhealthy []transition

	p.mu.Lock()
	for id, a := range p.agents {
		if !a.State.IsActive() {
			continue
		}
		elapsed := now.Sub(a.LastHeartbeat)
		if elapsed <= p.heartbeatTimeout {
			continue
		}

		a.ConsecutiveFailures++
		if a.State != beadcore.AgentUnhealthy && a.ConsecutiveFailures >= p.maxConsecutiveFails {
			a.State = beadcore.AgentUnhealthy
			reason := fmt.Sprintf("heartbeat timeout after %s (%d consecutive failures)", elapsed, a.ConsecutiveFailures)
			newlyUnhealthy = append(newlyUnhealthy, transition{id: id, reason: reason})
		}
	}
	p.mu.Unlock()

	for _, t := range newlyUnhealthy {
		p.logger.Warn("agent marked unhealthy", "agent_id", t.id, "reason", t.reason)
		if p.onUnhealthy != nil {
			p.onUnhealthy(t.id, t.reason)
		}
	}
}

// RunHealthMonitor polls CheckHealth every interval until ctx is cancelled.
func (p *Pool) RunHealthMonitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.CheckHealth(ctx)
		}
	}
}
