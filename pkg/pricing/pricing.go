// Package pricing converts generation parameters into credit costs.
//
// Prices are in tenge-denominated credits (1 credit = 1₸) and already include
// the service margin and payment-processor fees. The cost is a pure function
// of (model, size, seconds), which is why refunds can recompute it from a
// job's stored parameters instead of caching the debited amount.
package pricing

import "strings"

// table maps model -> size -> seconds -> credits.
var table = map[string]map[string]map[int]int{
	"sora-2": {
		// 720p tier
		"720x1280":  {4: 445, 6: 594, 8: 742, 10: 890, 12: 1039},
		"1280x720":  {4: 445, 6: 594, 8: 742, 10: 890, 12: 1039},
		"1024x1024": {4: 445, 6: 594, 8: 742, 10: 890, 12: 1039},
	},
	"sora-2-pro": {
		// 720p tier
		"720x1280":  {4: 1039, 6: 1484, 8: 1928, 10: 2373, 12: 2818},
		"1280x720":  {4: 1039, 6: 1484, 8: 1928, 10: 2373, 12: 2818},
		"1024x1024": {4: 1039, 6: 1484, 8: 1928, 10: 2373, 12: 2818},
		// 1080p tier
		"1024x1792": {4: 1632, 6: 2373, 8: 3115, 10: 3856, 12: 4598},
		"1792x1024": {4: 1632, 6: 2373, 8: 3115, 10: 3856, 12: 4598},
	},
}

const (
	baseCostStandard = 742
	baseCostPro      = 1928
	costPerExtraSec  = 148
)

func modelKey(model string) string {
	if strings.Contains(model, "pro") {
		return "sora-2-pro"
	}
	return "sora-2"
}

// Cost returns the credit cost for one generation.
// Unknown sizes fall back to the model's default 720p entry; unknown
// durations interpolate from the 8-second baseline.
func Cost(model, size string, seconds int) int {
	key := modelKey(model)

	if bySize, ok := table[key][size]; ok {
		if cost, ok := bySize[seconds]; ok {
			return cost
		}
	}

	defaultSize := "1280x720"
	if key == "sora-2-pro" {
		defaultSize = "720x1280"
	}
	if cost, ok := table[key][defaultSize][seconds]; ok {
		return cost
	}

	base := baseCostStandard
	if key == "sora-2-pro" {
		base = baseCostPro
	}
	return base + (seconds-8)*costPerExtraSec
}

// Supported reports whether the parameter combination has a listed price.
func Supported(model, size string, seconds int) bool {
	bySize, ok := table[modelKey(model)][size]
	if !ok {
		return false
	}
	_, ok = bySize[seconds]
	return ok
}

// CanAfford reports whether a balance covers one generation.
func CanAfford(balance float64, model, size string, seconds int) bool {
	return balance >= float64(Cost(model, size, seconds))
}
