package services

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCostAccountant_Compute(t *testing.T) {
	acct := CostAccountant{TextPer1KTokens: 0.002, PerImage: 0.04}

	tests := []struct {
		name   string
		tokens int
		images int
		want   float64
	}{
		{"text only", 1500, 0, 0.003},
		{"full card", 1000, 4, 0.162},
		{"partial images", 850, 3, 0.1217},
		{"nothing", 0, 0, 0},
		{"negative clamps", -10, -1, 0},
		{"rounds to micro dollars", 1, 0, 0.000002},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := acct.Compute(tt.tokens, tt.images)
			assert.InDelta(t, tt.want, got.TotalCostUSD, 1e-9)
			assert.GreaterOrEqual(t, got.TextTokens, 0)
			assert.GreaterOrEqual(t, got.ImageGenerations, 0)
		})
	}
}
