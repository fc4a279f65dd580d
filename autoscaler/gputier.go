package autoscaler

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/gpufleet/control-plane/entity"
)

// ErrNoCapacity means no tier can hold the requested VRAM. It is raised
// loudly; a requirement above the largest tier is never rounded down.
var ErrNoCapacity = errors.New("no GPU tier satisfies the VRAM requirement")

// GPUOffer is one concrete hardware choice within a tier. Offers inside a
// tier are interchangeable capacity-wise.
type GPUOffer struct {
	GPUType  string
	GPUCount int
}

type GPUTier struct {
	VRAMGB int
	Offers []GPUOffer
}

// Tiers in ascending capacity. The VRAM numbers are the usable capacity of
// the hardware class, slightly under the nameplate figure.
var gpuTiers = []GPUTier{
	{VRAMGB: 47, Offers: []GPUOffer{
		{GPUType: "NVIDIA RTX A6000", GPUCount: 1},
		{GPUType: "NVIDIA L40S", GPUCount: 1},
	}},
	{VRAMGB: 79, Offers: []GPUOffer{
		{GPUType: "NVIDIA A100 80GB PCIe", GPUCount: 1},
		{GPUType: "NVIDIA H100 PCIe", GPUCount: 1},
	}},
	{VRAMGB: 158, Offers: []GPUOffer{
		{GPUType: "NVIDIA H100 PCIe", GPUCount: 2},
		{GPUType: "NVIDIA A100 80GB PCIe", GPUCount: 2},
	}},
	{VRAMGB: 316, Offers: []GPUOffer{
		{GPUType: "NVIDIA H100 PCIe", GPUCount: 4},
	}},
}

// DetermineGPUTier returns the smallest tier whose capacity covers the
// requirement. Lookup is monotonic over the ascending table.
func DetermineGPUTier(vramGB int) (GPUTier, error) {
	for _, tier := range gpuTiers {
		if tier.VRAMGB >= vramGB {
			return tier, nil
		}
	}
	return GPUTier{}, fmt.Errorf("%w: need %d GB, largest tier is %d GB", ErrNoCapacity, vramGB, gpuTiers[len(gpuTiers)-1].VRAMGB)
}

// PickOffer selects hardware from the tier, honoring an allowed_hardware
// restriction when present. Selection is deterministic: the first listed
// offer that passes wins.
func (t GPUTier) PickOffer(allowedHardware []string) (GPUOffer, error) {
	if len(allowedHardware) == 0 {
		return t.Offers[0], nil
	}
	allowed := make(map[string]bool, len(allowedHardware))
	for _, hw := range allowedHardware {
		allowed[hw] = true
	}
	for _, offer := range t.Offers {
		if allowed[offer.GPUType] {
			return offer, nil
		}
	}
	return GPUOffer{}, fmt.Errorf("no offer in the %d GB tier matches allowed hardware %v", t.VRAMGB, allowedHardware)
}

// allowedHardwareOf decodes a job's allowed_hardware column; a missing or
// malformed column means unrestricted.
func allowedHardwareOf(job *entity.Job) []string {
	if len(job.AllowedHardware) == 0 {
		return nil
	}
	var hardware []string
	if err := json.Unmarshal(job.AllowedHardware, &hardware); err != nil {
		return nil
	}
	return hardware
}
