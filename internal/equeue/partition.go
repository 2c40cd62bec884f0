package equeue

import (
	"github.com/cespare/xxhash/v2"
	rendezvous "github.com/dgryski/go-rendezvous"
)

// Partitioner assigns each executionId to one of a fixed set of
// partitions using highest-random-weight (rendezvous) hashing, so
// adding or removing a partition only reshuffles the executions that
// hashed to the changed partition — unlike the teacher's FNV modulo
// ring, where any resize reshuffles nearly everything.
type Partitioner struct {
	rv *rendezvous.Rendezvous
}

// NewPartitioner builds a Partitioner over the given partition names.
func NewPartitioner(partitions []string) *Partitioner {
	return &Partitioner{rv: rendezvous.New(partitions, xxhash.Sum64String)}
}

// PartitionFor returns the partition name owning executionID.
func (p *Partitioner) PartitionFor(executionID string) string {
	return p.rv.Lookup(executionID)
}
