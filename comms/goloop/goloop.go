// Package goloop implements a pure Go, in-process reference transport for the comms
// package: the whole world lives in one OS process, with one goroutine per rank, and
// collectives rendezvous over shared memory.
//
// It is the always-available generic backend: it handles any request it is given, for
// both host and device placements, and it is the last link of the all-reduce fallback
// chain. It is also what the distributed package tests run on.
//
// A Cluster is the shared fabric for one world. Each rank takes its own Transport view:
//
//	cluster := goloop.NewCluster(4)
//	for rank := 0; rank < 4; rank++ {
//		go driveRank(cluster.Transport(rank))
//	}
//
// The package registers itself under the name "goloop": comms.New("goloop:<name>",
// rank, worldSize) joins (or creates) the process-wide cluster called <name>, so
// independently constructed ranks can meet over a configuration string, the same way
// they would join a rendezvous address on a networked transport.
package goloop

import (
	"fmt"
	"sync"

	"github.com/gomlx/meshcomm/comms"
	"github.com/gomlx/meshcomm/pkg/support/sets"
	"github.com/gomlx/meshcomm/types/tensors"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

func init() {
	comms.Register("goloop", newFromConfig)
}

// Cluster is an in-process world of worldSize ranks.
type Cluster struct {
	name      string
	worldSize int

	mu         sync.Mutex
	groups     map[string]*group
	transports []*transport
}

// NewCluster creates a Cluster with the given world size.
func NewCluster(worldSize int) *Cluster {
	return &Cluster{
		name:       "cluster",
		worldSize:  worldSize,
		groups:     make(map[string]*group),
		transports: make([]*transport, worldSize),
	}
}

// WorldSize returns the number of ranks in the cluster.
func (c *Cluster) WorldSize() int { return c.worldSize }

// Transport returns rank's view of the cluster. Repeated calls for the same rank
// return the same Transport.
func (c *Cluster) Transport(rank int) comms.Transport {
	if rank < 0 || rank >= c.worldSize {
		klog.Fatalf("goloop: rank %d out of range for cluster of world size %d", rank, c.worldSize)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.transports[rank] == nil {
		c.transports[rank] = &transport{cluster: c, rank: rank, instances: make(map[string]int)}
	}
	return c.transports[rank]
}

func (c *Cluster) groupFor(key string, size int) *group {
	c.mu.Lock()
	defer c.mu.Unlock()
	g, found := c.groups[key]
	if !found {
		g = &group{size: size, slots: make(map[uint64]*slot)}
		c.groups[key] = g
	}
	return g
}

// Process-wide named clusters, for ranks joining through the comms registry.
var (
	muNamedClusters sync.Mutex
	namedClusters   = make(map[string]*Cluster)
)

func newFromConfig(config string, rank, worldSize int) (comms.Transport, error) {
	if worldSize <= 0 {
		return nil, errors.Errorf("goloop: world size must be positive, got %d", worldSize)
	}
	name := config
	if name == "" {
		name = "world"
	}
	muNamedClusters.Lock()
	defer muNamedClusters.Unlock()
	cluster, found := namedClusters[name]
	if !found {
		cluster = NewCluster(worldSize)
		cluster.name = name
		namedClusters[name] = cluster
		klog.V(1).Infof("goloop: created cluster %q with world size %d", name, worldSize)
	} else if cluster.worldSize != worldSize {
		return nil, errors.Errorf("goloop: cluster %q already exists with world size %d, rank %d asked for %d",
			name, cluster.worldSize, rank, worldSize)
	}
	if rank < 0 || rank >= worldSize {
		return nil, errors.Errorf("goloop: rank %d out of range for world size %d", rank, worldSize)
	}
	return cluster.Transport(rank), nil
}

type transport struct {
	cluster *Cluster
	rank    int

	mu sync.Mutex
	// instances counts the channels created per (ranks, placement) pair, so every
	// creation gets a fresh rendezvous group. All members create their channels in
	// the same deterministic order, so the counters agree across ranks.
	instances map[string]int
}

// Name implements comms.Transport.
func (t *transport) Name() string { return "goloop" }

// Rank implements comms.Transport.
func (t *transport) Rank() int { return t.rank }

// WorldSize implements comms.Transport.
func (t *transport) WorldSize() int { return t.cluster.worldSize }

// NewChannel implements comms.Transport.
func (t *transport) NewChannel(ranks []int, placement tensors.Placement) (comms.Channel, error) {
	if len(ranks) == 0 {
		return nil, errors.Errorf("goloop: cannot create a channel over an empty ranks list")
	}
	seen := sets.Make[int](len(ranks))
	rankInGroup := -1
	for i, rank := range ranks {
		if rank < 0 || rank >= t.cluster.worldSize {
			return nil, errors.Errorf("goloop: rank %d out of range for world size %d", rank, t.cluster.worldSize)
		}
		if seen.Has(rank) {
			return nil, errors.Errorf("goloop: rank %d repeated in ranks list %v", rank, ranks)
		}
		seen.Insert(rank)
		if rank == t.rank {
			rankInGroup = i
		}
	}
	if rankInGroup == -1 {
		return nil, errors.Errorf("goloop: caller rank %d is not a member of ranks %v", t.rank, ranks)
	}
	baseKey := fmt.Sprintf("%s:%v", placement, ranks)
	t.mu.Lock()
	instance := t.instances[baseKey]
	t.instances[baseKey] = instance + 1
	t.mu.Unlock()
	key := fmt.Sprintf("%s#%d", baseKey, instance)
	return &channel{
		group:       t.cluster.groupFor(key, len(ranks)),
		ranks:       append([]int(nil), ranks...),
		rankInGroup: rankInGroup,
	}, nil
}
