package openings

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/chessmirror/chessmirror/internal/models"
)

func TestIsECO(t *testing.T) {
	assert.True(t, IsECO("B12"))
	assert.True(t, IsECO("E60 some suffix"))
	assert.False(t, IsECO("F00"))
	assert.False(t, IsECO("Caro-Kann Defense"))
	assert.False(t, IsECO(""))
}

func TestClassifyByECO(t *testing.T) {
	tests := []struct {
		eco    string
		family string
		side   Side
	}{
		{"B12", "Caro-Kann Defense", SideBlack},
		{"B50", "Sicilian Defense", SideBlack},
		{"C65", "Ruy Lopez", SideWhite},
		{"C50", "Italian Game", SideWhite},
		{"D35", "Queen's Gambit", SideWhite},
		{"E73", "King's Indian Defense", SideBlack},
		{"A20", "English Opening", SideWhite},
		{"C00", "French Defense", SideBlack},
	}
	for _, tt := range tests {
		c := Classify(tt.eco, "", nil)
		assert.Equal(t, tt.family, c.Family, "eco=%s", tt.eco)
		assert.Equal(t, tt.side, c.Side, "eco=%s", tt.eco)
	}
}

func TestNormalizeDropsVariation(t *testing.T) {
	c := Normalize("Sicilian Defense: Najdorf Variation")
	assert.Equal(t, "Sicilian Defense", c.Family)
	assert.Equal(t, SideBlack, c.Side)

	c = Normalize("Caro-Kann Defense, Advance Variation")
	assert.Equal(t, "Caro-Kann Defense", c.Family)

	c = Normalize("Queen's Gambit Declined: Exchange")
	assert.Equal(t, "Queen's Gambit", c.Family)
	assert.Equal(t, SideWhite, c.Side)
}

func TestNormalizeUnknownStaysNeutral(t *testing.T) {
	c := Normalize("Completely Made Up Opening")
	assert.Equal(t, SideNeutral, c.Side)
	assert.Equal(t, "Completely Made Up Opening", c.Family)
}

func TestClassifyByMoves(t *testing.T) {
	tests := []struct {
		sans   []string
		family string
	}{
		{[]string{"e4", "c6", "d4", "d5"}, "Caro-Kann Defense"},
		{[]string{"e4", "c5"}, "Sicilian Defense"},
		{[]string{"e4", "e5", "Nf3", "Nc6", "Bb5", "a6"}, "Ruy Lopez"},
		{[]string{"e4", "e5", "Nf3", "Nc6", "Bc4"}, "Italian Game"},
		{[]string{"d4", "d5", "c4", "c6"}, "Slav Defense"},
		{[]string{"d4", "d5", "c4", "e6"}, "Queen's Gambit"},
		{[]string{"e4", "e5"}, "King's Pawn Game"},
	}
	for _, tt := range tests {
		c := Classify("", "", tt.sans)
		assert.Equal(t, tt.family, c.Family, "moves=%v", tt.sans)
	}
}

func TestClassifyFirstMoveFallback(t *testing.T) {
	c := Classify("", "", []string{"e4", "a6"})
	assert.Equal(t, "King's Pawn Opening", c.Family)
	assert.Equal(t, SideNeutral, c.Side)

	c = Classify("", "", []string{"b3"})
	assert.Equal(t, "Irregular Opening", c.Family)
}

func TestClassifyPriorityECOOverName(t *testing.T) {
	c := Classify("B12", "Mislabeled Italian Game", nil)
	assert.Equal(t, "Caro-Kann Defense", c.Family)
}

func TestClassifyFamilyNameInECOField(t *testing.T) {
	c := Classify("Caro-Kann Defense", "", nil)
	assert.Equal(t, "Caro-Kann Defense", c.Family)
	assert.Equal(t, SideBlack, c.Side)
}

func TestOwnedBy(t *testing.T) {
	caroKann := Classification{Family: "Caro-Kann Defense", Side: SideBlack}
	italian := Classification{Family: "Italian Game", Side: SideWhite}
	kingsPawn := Classification{Family: "King's Pawn Game", Side: SideNeutral}

	assert.False(t, OwnedBy(caroKann, models.ColorWhite))
	assert.True(t, OwnedBy(caroKann, models.ColorBlack))
	assert.True(t, OwnedBy(italian, models.ColorWhite))
	assert.False(t, OwnedBy(italian, models.ColorBlack))
	assert.True(t, OwnedBy(kingsPawn, models.ColorWhite))
	assert.True(t, OwnedBy(kingsPawn, models.ColorBlack))
}

// A player facing the Caro-Kann as White must never see it listed in
// their white repertoire.
func TestFilterRepertoireExcludesOpponentOpenings(t *testing.T) {
	games := []models.Game{
		{Color: models.ColorWhite, Opening: "Caro-Kann Defense", OpeningFamily: "B12"},
		{Color: models.ColorWhite, Opening: "Italian Game", OpeningFamily: "C50"},
		{Color: models.ColorWhite, Opening: "King's Pawn Game", OpeningFamily: "C20"},
		{Color: models.ColorBlack, Opening: "Caro-Kann Defense", OpeningFamily: "B12"},
	}

	white := FilterRepertoire(games, models.ColorWhite)
	for _, g := range white {
		c := Classify(g.OpeningFamily, g.Opening, nil)
		assert.NotEqual(t, "Caro-Kann Defense", c.Family)
	}
	assert.Len(t, white, 2)

	black := FilterRepertoire(games, models.ColorBlack)
	assert.Len(t, black, 1)
	assert.Equal(t, "Caro-Kann Defense", Classify(black[0].OpeningFamily, black[0].Opening, nil).Family)
}
