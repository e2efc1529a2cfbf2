package resource

import (
	"time"
)

// Type identifies a kind of schedulable resource.
type Type string

const (
	// TypeCPU is processing capacity, measured in cores.
	TypeCPU Type = "cpu"
	// TypeMemory is RAM, measured in megabytes.
	TypeMemory Type = "memory"
	// TypeDisk is scratch disk space, measured in megabytes.
	TypeDisk Type = "disk"
	// TypeNetwork is network bandwidth, measured in megabits per second.
	TypeNetwork Type = "network"
	// TypeWorkerSlot is a generic concurrency slot.
	TypeWorkerSlot Type = "worker_slot"
	// TypeGPU is accelerator capacity, measured in devices.
	TypeGPU Type = "gpu"
	// TypeCustom is an extension point for caller-defined pools.
	TypeCustom Type = "custom"
)

// Requirement describes how much of one resource type a node needs.
type Requirement struct {
	Type   Type    `json:"type" yaml:"type"`
	Amount float64 `json:"amount" yaml:"amount"`
	Unit   string  `json:"unit,omitempty" yaml:"unit,omitempty"`
}

// Allocation is one granted requirement. It is owned by exactly one pool
// until deallocated.
type Allocation struct {
	ID          string     `json:"id"`
	Type        Type       `json:"type"`
	Amount      float64    `json:"amount"`
	NodeID      string     `json:"node_id"`
	PoolName    string     `json:"pool_name"`
	AllocatedAt time.Time  `json:"allocated_at"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
}

// Pool tracks capacity for a single resource type.
//
// Invariant: 0 <= Available <= Total, and Total-Available equals the sum of
// live allocation amounts. The Manager enforces this under its lock; Pool
// itself carries no synchronization.
type Pool struct {
	Type        Type                   `json:"type"`
	Name        string                 `json:"name"`
	Total       float64                `json:"total_capacity"`
	Available   float64                `json:"available_capacity"`
	Unit        string                 `json:"unit"`
	Allocations map[string]*Allocation `json:"allocations"`
}

// NewPool creates a pool with the full capacity available.
func NewPool(t Type, name string, total float64, unit string) *Pool {
	return &Pool{
		Type:        t,
		Name:        name,
		Total:       total,
		Available:   total,
		Unit:        unit,
		Allocations: make(map[string]*Allocation),
	}
}

// Allocated returns the amount currently held by live allocations.
func (p *Pool) Allocated() float64 {
	return p.Total - p.Available
}

// UtilizationRatio returns allocated/total, or 0 for an empty pool.
func (p *Pool) UtilizationRatio() float64 {
	if p.Total <= 0 {
		return 0
	}
	return (p.Total - p.Available) / p.Total
}
