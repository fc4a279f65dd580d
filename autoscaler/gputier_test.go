package autoscaler

import (
	"errors"
	"testing"
)

func TestDetermineGPUTier_Monotonic(t *testing.T) {
	cases := []struct {
		vram int
		tier int
	}{
		{1, 47},
		{47, 47},
		{48, 79},
		{79, 79},
		{80, 158},
		{158, 158},
		{159, 316},
		{316, 316},
	}
	prev := 0
	for _, tc := range cases {
		tier, err := DetermineGPUTier(tc.vram)
		if err != nil {
			t.Fatalf("DetermineGPUTier(%d): unexpected error %v", tc.vram, err)
		}
		if tier.VRAMGB != tc.tier {
			t.Errorf("DetermineGPUTier(%d) = %d GB, want %d GB", tc.vram, tier.VRAMGB, tc.tier)
		}
		if tier.VRAMGB < prev {
			t.Errorf("tier capacity decreased at %d GB requirement", tc.vram)
		}
		prev = tier.VRAMGB
	}
}

func TestDetermineGPUTier_NoCapacity(t *testing.T) {
	_, err := DetermineGPUTier(317)
	if !errors.Is(err, ErrNoCapacity) {
		t.Fatalf("expected ErrNoCapacity for 317 GB, got %v", err)
	}
}

func TestPickOffer_Deterministic(t *testing.T) {
	tier, _ := DetermineGPUTier(50)
	offer, err := tier.PickOffer(nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if offer != tier.Offers[0] {
		t.Fatalf("unrestricted pick must take the first offer, got %+v", offer)
	}
}

func TestPickOffer_HonorsAllowedHardware(t *testing.T) {
	tier, _ := DetermineGPUTier(50)
	offer, err := tier.PickOffer([]string{"NVIDIA H100 PCIe"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if offer.GPUType != "NVIDIA H100 PCIe" {
		t.Fatalf("expected the allowed type, got %s", offer.GPUType)
	}

	if _, err := tier.PickOffer([]string{"TPU v5"}); err == nil {
		t.Fatal("expected an error when no offer matches the restriction")
	}
}
