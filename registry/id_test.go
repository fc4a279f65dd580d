package registry

import (
	"strings"
	"testing"
)

func TestComputeJobID_StableUnderKeyOrder(t *testing.T) {
	a, err := ComputeJobID("ft", map[string]interface{}{
		"model": "llama-3-8b",
		"vram":  10,
		"config": map[string]interface{}{
			"rank":  16,
			"alpha": 32,
		},
	}, "org-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	b, err := ComputeJobID("ft", map[string]interface{}{
		"config": map[string]interface{}{
			"alpha": 32,
			"rank":  16,
		},
		"vram":  10,
		"model": "llama-3-8b",
	}, "org-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if a != b {
		t.Fatalf("identical logical requests produced different ids: %s vs %s", a, b)
	}
}

func TestComputeJobID_DiffersByParameterValue(t *testing.T) {
	a, _ := ComputeJobID("ft", map[string]interface{}{"model": "x", "vram": 10}, "org-1")
	b, _ := ComputeJobID("ft", map[string]interface{}{"model": "y", "vram": 10}, "org-1")
	if a == b {
		t.Fatalf("jobs differing in one parameter collided on id %s", a)
	}
}

func TestComputeJobID_ScopedByOrganization(t *testing.T) {
	a, _ := ComputeJobID("ft", map[string]interface{}{"model": "x"}, "org-1")
	b, _ := ComputeJobID("ft", map[string]interface{}{"model": "x"}, "org-2")
	if a == b {
		t.Fatalf("same request in different orgs collided on id %s", a)
	}
}

func TestComputeJobID_PrefixAndShape(t *testing.T) {
	id, err := ComputeJobID("api", map[string]interface{}{"model": "x"}, "org-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.HasPrefix(id, "api-") {
		t.Fatalf("expected api- prefix, got %s", id)
	}
	if len(id) != len("api-")+32 {
		t.Fatalf("expected 32 hash chars, got id %s", id)
	}
}

func TestNewAdHocJobID_Unique(t *testing.T) {
	if NewAdHocJobID("custom") == NewAdHocJobID("custom") {
		t.Fatal("ad-hoc ids must be random")
	}
}
