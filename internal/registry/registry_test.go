package registry

import (
	"testing"

	"dbrouter/internal/errs"
)

func TestNew_RequiresPrimaryURL(t *testing.T) {
	_, err := New(Config{})
	if err == nil {
		t.Fatal("expected error when primary_url is missing")
	}
	if kind, _ := errs.KindOf(err); kind != errs.KindConfigInvalid {
		t.Fatalf("error kind = %v, want %v", kind, errs.KindConfigInvalid)
	}
}

func TestNew_DefaultsWeightToOne(t *testing.T) {
	r, err := New(Config{
		PrimaryURL:  "postgres://primary",
		ReplicaURLs: []string{"postgres://r1", "postgres://r2"},
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	replicas := r.Replicas()
	if len(replicas) != 2 {
		t.Fatalf("len(replicas) = %d, want 2", len(replicas))
	}
	for _, ep := range replicas {
		if ep.Weight != 1 {
			t.Errorf("replica %s weight = %d, want 1", ep.ID, ep.Weight)
		}
	}
}

func TestNew_RejectsNonPositiveWeight(t *testing.T) {
	_, err := New(Config{
		PrimaryURL:     "postgres://primary",
		ReplicaURLs:    []string{"postgres://r1"},
		ReplicaWeights: []int{-1},
	})
	if err == nil {
		t.Fatal("expected error for negative weight")
	}
}

func TestByRegion(t *testing.T) {
	r, err := New(Config{
		PrimaryURL:     "postgres://primary",
		ReplicaURLs:    []string{"postgres://r1", "postgres://r2", "postgres://r3"},
		ReplicaRegions: []string{"us-east", "us-west", "us-east"},
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	got := r.ByRegion("us-east")
	if len(got) != 2 {
		t.Fatalf("ByRegion(us-east) len = %d, want 2", len(got))
	}
	if r.ByRegion("eu-central") != nil {
		t.Error("expected nil for unmatched region")
	}
}

func TestLookup(t *testing.T) {
	r, err := New(Config{
		PrimaryURL:  "postgres://primary",
		ReplicaURLs: []string{"postgres://r1"},
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if ep, ok := r.Lookup("primary"); !ok || ep.Role != RolePrimary {
		t.Errorf("Lookup(primary) = %+v, %v", ep, ok)
	}
	if ep, ok := r.Lookup("replica-0"); !ok || ep.Role != RoleReplica {
		t.Errorf("Lookup(replica-0) = %+v, %v", ep, ok)
	}
	if _, ok := r.Lookup("nope"); ok {
		t.Error("expected Lookup(nope) to fail")
	}
}

func TestAll_SkipsEmptyURLs(t *testing.T) {
	r, err := New(Config{
		PrimaryURL:  "postgres://primary",
		ReplicaURLs: []string{"postgres://r1", "", "postgres://r3"},
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if len(r.Replicas()) != 2 {
		t.Fatalf("len(replicas) = %d, want 2 (empty URL skipped)", len(r.Replicas()))
	}
	all := r.All()
	if len(all) != 3 {
		t.Fatalf("len(All()) = %d, want 3 (primary + 2 replicas)", len(all))
	}
}
