package resource

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrAllocationNotFound is returned when deallocating an unknown allocation id.
var ErrAllocationNotFound = errors.New("allocation not found")

// ErrUnknownPool is returned when a requirement references a pool that does
// not exist in this manager.
var ErrUnknownPool = errors.New("unknown resource pool")

// Shortfall itemizes one pool that could not satisfy a requirement.
type Shortfall struct {
	Type      Type    `json:"type"`
	Requested float64 `json:"requested"`
	Available float64 `json:"available"`
}

// InsufficientError reports every pool that blocked an allocation request.
// The request as a whole was rejected and no capacity was consumed.
type InsufficientError struct {
	NodeID     string      `json:"node_id"`
	Shortfalls []Shortfall `json:"shortfalls"`
}

func (e *InsufficientError) Error() string {
	parts := make([]string, 0, len(e.Shortfalls))
	for _, s := range e.Shortfalls {
		parts = append(parts, fmt.Sprintf("%s: requested %.2f, available %.2f", s.Type, s.Requested, s.Available))
	}
	return fmt.Sprintf("insufficient resources for node %s: %s", e.NodeID, strings.Join(parts, "; "))
}

// Observer receives pool state changes. Implementations must not call back
// into the Manager.
type Observer interface {
	PoolChanged(poolType Type, total, available float64)
	AllocationGranted(poolType Type, amount float64)
	AllocationReleased(poolType Type, amount float64)
}

// PoolSpec configures one pool at manager construction time.
type PoolSpec struct {
	Type  Type    `yaml:"type" json:"type"`
	Name  string  `yaml:"name" json:"name"`
	Total float64 `yaml:"total" json:"total"`
	Unit  string  `yaml:"unit" json:"unit"`
}

// DefaultPoolSpecs returns the default pool set: CPU, memory, disk and
// worker slots. GPU/network/custom pools are added by callers that need them.
func DefaultPoolSpecs() []PoolSpec {
	return []PoolSpec{
		{Type: TypeCPU, Name: "cpu", Total: 8, Unit: "cores"},
		{Type: TypeMemory, Name: "memory", Total: 16384, Unit: "MB"},
		{Type: TypeDisk, Name: "disk", Total: 102400, Unit: "MB"},
		{Type: TypeWorkerSlot, Name: "worker_slot", Total: 16, Unit: "slots"},
	}
}

// Manager owns a set of resource pools keyed by type and a global index of
// live allocations. All mutation goes through one mutex so a concurrent
// check-then-allocate can never oversubscribe a pool.
type Manager struct {
	pools       map[Type]*Pool
	allocations map[string]*Allocation
	byNode      map[string]map[string]struct{}
	observer    Observer
	logger      *zap.Logger

	// grantLog feeds the forecast; bounded ring of recent grants.
	grantLog []grantEvent

	mu sync.Mutex
}

type grantEvent struct {
	poolType Type
	amount   float64
	at       time.Time
}

const grantLogLimit = 1024

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithObserver registers a pool state observer.
func WithObserver(o Observer) ManagerOption {
	return func(m *Manager) { m.observer = o }
}

// WithLogger sets the manager logger.
func WithLogger(logger *zap.Logger) ManagerOption {
	return func(m *Manager) { m.logger = logger }
}

// NewManager creates a manager with the given pools. Passing no specs
// installs DefaultPoolSpecs.
func NewManager(specs []PoolSpec, opts ...ManagerOption) *Manager {
	if len(specs) == 0 {
		specs = DefaultPoolSpecs()
	}
	m := &Manager{
		pools:       make(map[Type]*Pool, len(specs)),
		allocations: make(map[string]*Allocation),
		byNode:      make(map[string]map[string]struct{}),
		logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With(zap.String("component", "resource_manager"))
	for _, spec := range specs {
		name := spec.Name
		if name == "" {
			name = string(spec.Type)
		}
		m.pools[spec.Type] = NewPool(spec.Type, name, spec.Total, spec.Unit)
	}
	return m
}

// AddPool registers an additional pool. Replacing an existing pool with live
// allocations is rejected.
func (m *Manager) AddPool(spec PoolSpec) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.pools[spec.Type]; ok && len(existing.Allocations) > 0 {
		return fmt.Errorf("pool %s has %d live allocations, cannot replace", spec.Type, len(existing.Allocations))
	}
	name := spec.Name
	if name == "" {
		name = string(spec.Type)
	}
	m.pools[spec.Type] = NewPool(spec.Type, name, spec.Total, spec.Unit)
	m.notifyPool(m.pools[spec.Type])
	return nil
}

// Allocate grants every requirement or nothing. On success it returns one
// Allocation per requirement; on shortfall it returns an *InsufficientError
// itemizing every blocking pool and leaves all capacity untouched.
func (m *Manager) Allocate(nodeID string, reqs []Requirement) ([]*Allocation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Phase 1: check every pool before touching any.
	var shortfalls []Shortfall
	for _, req := range reqs {
		pool, ok := m.pools[req.Type]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownPool, req.Type)
		}
		if pool.Available < req.Amount {
			shortfalls = append(shortfalls, Shortfall{
				Type:      req.Type,
				Requested: req.Amount,
				Available: pool.Available,
			})
		}
	}
	if len(shortfalls) > 0 {
		return nil, &InsufficientError{NodeID: nodeID, Shortfalls: shortfalls}
	}

	// Phase 2: commit. Still under the same lock, so the checks above hold.
	now := time.Now()
	granted := make([]*Allocation, 0, len(reqs))
	for _, req := range reqs {
		pool := m.pools[req.Type]
		alloc := &Allocation{
			ID:          uuid.NewString(),
			Type:        req.Type,
			Amount:      req.Amount,
			NodeID:      nodeID,
			PoolName:    pool.Name,
			AllocatedAt: now,
		}
		pool.Available -= req.Amount
		pool.Allocations[alloc.ID] = alloc
		m.allocations[alloc.ID] = alloc
		if m.byNode[nodeID] == nil {
			m.byNode[nodeID] = make(map[string]struct{})
		}
		m.byNode[nodeID][alloc.ID] = struct{}{}
		granted = append(granted, alloc)

		m.recordGrant(grantEvent{poolType: req.Type, amount: req.Amount, at: now})
		if m.observer != nil {
			m.observer.AllocationGranted(req.Type, req.Amount)
		}
		m.notifyPool(pool)
	}

	m.logger.Debug("resources allocated",
		zap.String("node_id", nodeID),
		zap.Int("requirements", len(reqs)),
	)
	return granted, nil
}

// Deallocate returns one allocation's amount to its pool.
func (m *Manager) Deallocate(allocationID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deallocateLocked(allocationID)
}

// DeallocateNode releases every allocation owned by a node and returns how
// many were released. Used on any terminal node outcome.
func (m *Manager) DeallocateNode(nodeID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := m.byNode[nodeID]
	released := 0
	for id := range ids {
		if err := m.deallocateLocked(id); err == nil {
			released++
		}
	}
	return released
}

func (m *Manager) deallocateLocked(allocationID string) error {
	alloc, ok := m.allocations[allocationID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrAllocationNotFound, allocationID)
	}
	pool, ok := m.pools[alloc.Type]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPool, alloc.Type)
	}

	pool.Available += alloc.Amount
	if pool.Available > pool.Total {
		// Release of an allocation the pool no longer accounts for.
		pool.Available = pool.Total
	}
	delete(pool.Allocations, allocationID)
	delete(m.allocations, allocationID)
	if owned := m.byNode[alloc.NodeID]; owned != nil {
		delete(owned, allocationID)
		if len(owned) == 0 {
			delete(m.byNode, alloc.NodeID)
		}
	}

	if m.observer != nil {
		m.observer.AllocationReleased(alloc.Type, alloc.Amount)
	}
	m.notifyPool(pool)
	return nil
}

// ReapExpired releases every allocation whose ExpiresAt has passed and
// returns the released allocation ids.
func (m *Manager) ReapExpired(now time.Time) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var reaped []string
	for id, alloc := range m.allocations {
		if alloc.ExpiresAt != nil && alloc.ExpiresAt.Before(now) {
			if err := m.deallocateLocked(id); err == nil {
				reaped = append(reaped, id)
			}
		}
	}
	return reaped
}

// PoolUtilization is a read-only projection of one pool.
type PoolUtilization struct {
	Type        Type    `json:"type"`
	Name        string  `json:"name"`
	Total       float64 `json:"total_capacity"`
	Available   float64 `json:"available_capacity"`
	Allocated   float64 `json:"allocated_capacity"`
	Unit        string  `json:"unit"`
	Utilization float64 `json:"utilization"`
	Allocations int     `json:"active_allocations"`
}

// Utilization reports every pool's capacity and usage.
func (m *Manager) Utilization() map[Type]PoolUtilization {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[Type]PoolUtilization, len(m.pools))
	for t, p := range m.pools {
		out[t] = PoolUtilization{
			Type:        t,
			Name:        p.Name,
			Total:       p.Total,
			Available:   p.Available,
			Allocated:   p.Allocated(),
			Unit:        p.Unit,
			Utilization: p.UtilizationRatio(),
			Allocations: len(p.Allocations),
		}
	}
	return out
}

// AllocationSummary groups live allocations by owning node.
type AllocationSummary struct {
	TotalAllocations int                      `json:"total_allocations"`
	ByNode           map[string][]*Allocation `json:"by_node"`
}

// Summary returns a copy of the live allocation index grouped by node.
func (m *Manager) Summary() AllocationSummary {
	m.mu.Lock()
	defer m.mu.Unlock()

	byNode := make(map[string][]*Allocation)
	for _, alloc := range m.allocations {
		copied := *alloc
		byNode[alloc.NodeID] = append(byNode[alloc.NodeID], &copied)
	}
	for _, allocs := range byNode {
		sort.Slice(allocs, func(i, j int) bool { return allocs[i].AllocatedAt.Before(allocs[j].AllocatedAt) })
	}
	return AllocationSummary{TotalAllocations: len(m.allocations), ByNode: byNode}
}

// Forecast estimates, per pool, how long current capacity lasts if the
// recent grant rate continues.
type Forecast struct {
	Type               Type          `json:"type"`
	Utilization        float64       `json:"utilization"`
	GrantRatePerMinute float64       `json:"grant_rate_per_minute"`
	TimeToExhaustion   time.Duration `json:"time_to_exhaustion"`
	Exhaustible        bool          `json:"exhaustible"`
}

// ForecastWindow is the lookback used when computing grant rates.
const ForecastWindow = 10 * time.Minute

// Forecast projects pool exhaustion from the grants observed within
// ForecastWindow. Pools with no recent grants report Exhaustible=false.
func (m *Manager) Forecast() map[Type]Forecast {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := time.Now().Add(-ForecastWindow)
	granted := make(map[Type]float64)
	for _, ev := range m.grantLog {
		if ev.at.After(cutoff) {
			granted[ev.poolType] += ev.amount
		}
	}

	out := make(map[Type]Forecast, len(m.pools))
	for t, p := range m.pools {
		rate := granted[t] / ForecastWindow.Minutes()
		f := Forecast{Type: t, Utilization: p.UtilizationRatio(), GrantRatePerMinute: rate}
		if rate > 0 && p.Available > 0 {
			f.Exhaustible = true
			f.TimeToExhaustion = time.Duration(p.Available / rate * float64(time.Minute))
		}
		out[t] = f
	}
	return out
}

// OptimizationHint flags a pool an operator should look at. No live
// allocation is ever moved.
type OptimizationHint struct {
	Type        Type    `json:"type"`
	Utilization float64 `json:"utilization"`
	Reason      string  `json:"reason"`
}

// Optimize scans utilization ratios and flags fragmented (30-70% used) and
// underutilized (<10% used with capacity configured) pools.
func (m *Manager) Optimize() []OptimizationHint {
	m.mu.Lock()
	defer m.mu.Unlock()

	var hints []OptimizationHint
	for t, p := range m.pools {
		ratio := p.UtilizationRatio()
		switch {
		case ratio >= 0.3 && ratio <= 0.7:
			hints = append(hints, OptimizationHint{
				Type:        t,
				Utilization: ratio,
				Reason:      "fragmented: partial utilization may block large requests",
			})
		case ratio < 0.1 && p.Total > 0:
			hints = append(hints, OptimizationHint{
				Type:        t,
				Utilization: ratio,
				Reason:      "underutilized: consider shrinking the pool",
			})
		}
	}
	sort.Slice(hints, func(i, j int) bool { return hints[i].Type < hints[j].Type })
	return hints
}

func (m *Manager) recordGrant(ev grantEvent) {
	m.grantLog = append(m.grantLog, ev)
	if len(m.grantLog) > grantLogLimit {
		m.grantLog = m.grantLog[len(m.grantLog)-grantLogLimit:]
	}
}

func (m *Manager) notifyPool(p *Pool) {
	if m.observer != nil {
		m.observer.PoolChanged(p.Type, p.Total, p.Available)
	}
}
