// Package registry holds the immutable set of endpoints a router was
// configured with: one primary and zero or more replicas. It performs no
// connectivity of its own — internal/pool owns the live connections for
// each Endpoint — and offers only read-only lookup by role and by region.
package registry

import (
	"fmt"

	"dbrouter/internal/errs"
)

// Role distinguishes a primary endpoint from a replica.
type Role string

const (
	RolePrimary Role = "primary"
	RoleReplica Role = "replica"
)

// Endpoint is the logical identity of one database service. It is
// immutable after the Registry is constructed.
type Endpoint struct {
	ID       string
	URL      string
	Region   string
	Weight   int
	Role     Role
	Priority int
}

// Registry is the immutable endpoint set for one router instance. Adding a
// replica requires a supervised re-initialization (constructing a new
// Registry), not a mutation of an existing one.
type Registry struct {
	primary  Endpoint
	replicas []Endpoint
}

// Config describes the parallel lists used to build a Registry: replica
// URLs, regions, and weights align by index. Region and weight may be
// shorter than urls or empty; missing entries default to "" and 1
// respectively.
type Config struct {
	PrimaryURL     string
	ReplicaURLs    []string
	ReplicaRegions []string
	ReplicaWeights []int
}

// New validates cfg and builds the immutable Registry.
func New(cfg Config) (*Registry, error) {
	if cfg.PrimaryURL == "" {
		return nil, errs.New(errs.KindConfigInvalid, fmt.Errorf("primary_url is required"))
	}

	r := &Registry{
		primary: Endpoint{
			ID:   "primary",
			URL:  cfg.PrimaryURL,
			Role: RolePrimary,
			Weight: 1,
		},
	}

	for i, url := range cfg.ReplicaURLs {
		if url == "" {
			continue
		}
		weight := 1
		if i < len(cfg.ReplicaWeights) && cfg.ReplicaWeights[i] != 0 {
			weight = cfg.ReplicaWeights[i]
		}
		if weight <= 0 {
			return nil, errs.New(errs.KindConfigInvalid, fmt.Errorf("replica %d: weight must be positive, got %d", i, weight)).WithEndpoint(fmt.Sprintf("replica-%d", i))
		}
		region := ""
		if i < len(cfg.ReplicaRegions) {
			region = cfg.ReplicaRegions[i]
		}
		r.replicas = append(r.replicas, Endpoint{
			ID:       fmt.Sprintf("replica-%d", i),
			URL:      url,
			Region:   region,
			Weight:   weight,
			Role:     RoleReplica,
			Priority: i,
		})
	}

	return r, nil
}

// Primary returns the registry's single primary endpoint.
func (r *Registry) Primary() Endpoint { return r.primary }

// Replicas returns a copy of the replica endpoint list, in configuration order.
func (r *Registry) Replicas() []Endpoint {
	out := make([]Endpoint, len(r.replicas))
	copy(out, r.replicas)
	return out
}

// ByRegion returns the replicas carrying the given region tag, in
// configuration order. An empty region matches no replicas.
func (r *Registry) ByRegion(region string) []Endpoint {
	if region == "" {
		return nil
	}
	var out []Endpoint
	for _, ep := range r.replicas {
		if ep.Region == region {
			out = append(out, ep)
		}
	}
	return out
}

// Lookup finds an endpoint (primary or replica) by id.
func (r *Registry) Lookup(id string) (Endpoint, bool) {
	if r.primary.ID == id {
		return r.primary, true
	}
	for _, ep := range r.replicas {
		if ep.ID == id {
			return ep, true
		}
	}
	return Endpoint{}, false
}

// All returns the primary followed by every replica.
func (r *Registry) All() []Endpoint {
	out := make([]Endpoint, 0, 1+len(r.replicas))
	out = append(out, r.primary)
	out = append(out, r.replicas...)
	return out
}
