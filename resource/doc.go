/*
Package resource implements admission control for workflow execution: named
pools of typed, finite resources with all-or-nothing allocation.

# Core types

  - Type       : resource kind (CPU, memory, disk, network, worker slot, GPU, custom)
  - Requirement: amount of one resource type a node needs before dispatch
  - Pool       : a single pool with total/available capacity and its live allocations
  - Allocation : one granted requirement, owned by exactly one node
  - Manager    : the lock-guarded owner of all pools and the allocation index

# Guarantees

A multi-requirement Allocate either commits every requirement or commits
nothing; capacity checks and commits happen under one mutex so concurrent
callers can never oversubscribe a pool. Pools are mutated only through
Manager methods.
*/
package resource
