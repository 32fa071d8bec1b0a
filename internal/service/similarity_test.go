package service

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDescriptionSimilarity(t *testing.T) {
	tests := []struct {
		name string
		a, b string
		want float64
	}{
		{"identical", "steel bolts M8", "steel bolts M8", 1.0},
		{"case and punctuation ignored", "Steel-Bolts, M8", "steel bolts m8", 1.0},
		{"disjoint", "copper wire", "steel bolts", 0.0},
		{"empty left", "", "steel bolts", 0.0},
		{"both empty", "", "", 0.0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, descriptionSimilarity(tt.a, tt.b), 1e-9)
		})
	}
}

func TestDescriptionSimilarity_PartialOverlap(t *testing.T) {
	// {steel, bolts, m8} vs {steel, bolts, m10}: 2 shared of 4 distinct.
	got := descriptionSimilarity("steel bolts m8", "steel bolts m10")
	assert.InDelta(t, 0.5, got, 1e-9)
}

func TestDescriptionSimilarity_DuplicateTokensCountOnce(t *testing.T) {
	got := descriptionSimilarity("bolt bolt bolt", "bolt")
	assert.InDelta(t, 1.0, got, 1e-9)
}
