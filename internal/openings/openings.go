// Package openings maps raw opening labels, ECO codes and early moves
// onto canonical opening families, and classifies which side each
// family belongs to for repertoire statistics.
package openings

import (
	"regexp"
	"strings"

	"github.com/chessmirror/chessmirror/internal/models"
)

// Side of the board an opening belongs to. Neutral openings count for
// either color.
type Side string

const (
	SideWhite   Side = "white"
	SideBlack   Side = "black"
	SideNeutral Side = "neutral"
)

// Classification is the canonical result of opening detection.
type Classification struct {
	Name   string `json:"name"`
	Family string `json:"family"`
	Side   Side   `json:"side"`
}

var ecoRe = regexp.MustCompile(`^[A-E]\d\d`)

// IsECO reports whether the label starts with an ECO code.
func IsECO(s string) bool {
	return ecoRe.MatchString(strings.TrimSpace(s))
}

// ecoRange maps a half-open ECO interval to a family.
type ecoRange struct {
	lo, hi string
	family string
	side   Side
}

// Coarse ECO taxonomy; ranges are inclusive and ordered.
var ecoRanges = []ecoRange{
	{"A00", "A03", "Irregular Opening", SideNeutral},
	{"A04", "A09", "Reti Opening", SideWhite},
	{"A10", "A39", "English Opening", SideWhite},
	{"A40", "A44", "Queen's Pawn Game", SideNeutral},
	{"A45", "A79", "Indian Defense", SideBlack},
	{"A80", "A99", "Dutch Defense", SideBlack},
	{"B00", "B00", "King's Pawn Opening", SideNeutral},
	{"B01", "B01", "Scandinavian Defense", SideBlack},
	{"B02", "B05", "Alekhine's Defense", SideBlack},
	{"B06", "B06", "Modern Defense", SideBlack},
	{"B07", "B09", "Pirc Defense", SideBlack},
	{"B10", "B19", "Caro-Kann Defense", SideBlack},
	{"B20", "B99", "Sicilian Defense", SideBlack},
	{"C00", "C19", "French Defense", SideBlack},
	{"C20", "C29", "King's Pawn Game", SideNeutral},
	{"C30", "C39", "King's Gambit", SideWhite},
	{"C40", "C40", "King's Knight Opening", SideNeutral},
	{"C41", "C41", "Philidor Defense", SideBlack},
	{"C42", "C43", "Petrov's Defense", SideBlack},
	{"C44", "C45", "Scotch Game", SideWhite},
	{"C46", "C49", "Four Knights Game", SideNeutral},
	{"C50", "C54", "Italian Game", SideWhite},
	{"C55", "C59", "Two Knights Defense", SideWhite},
	{"C60", "C99", "Ruy Lopez", SideWhite},
	{"D00", "D05", "Queen's Pawn Game", SideNeutral},
	{"D06", "D69", "Queen's Gambit", SideWhite},
	{"D70", "D99", "Grunfeld Defense", SideBlack},
	{"E00", "E09", "Catalan Opening", SideWhite},
	{"E10", "E19", "Queen's Indian Defense", SideBlack},
	{"E20", "E59", "Nimzo-Indian Defense", SideBlack},
	{"E60", "E99", "King's Indian Defense", SideBlack},
}

// familyPattern maps a substring of a normalized name to its family.
type familyPattern struct {
	substr string
	family string
	side   Side
}

// Ordered: more specific patterns first.
var familyPatterns = []familyPattern{
	{"caro-kann", "Caro-Kann Defense", SideBlack},
	{"sicilian", "Sicilian Defense", SideBlack},
	{"french", "French Defense", SideBlack},
	{"scandinavian", "Scandinavian Defense", SideBlack},
	{"alekhine", "Alekhine's Defense", SideBlack},
	{"pirc", "Pirc Defense", SideBlack},
	{"modern defense", "Modern Defense", SideBlack},
	{"philidor", "Philidor Defense", SideBlack},
	{"petrov", "Petrov's Defense", SideBlack},
	{"petroff", "Petrov's Defense", SideBlack},
	{"dutch", "Dutch Defense", SideBlack},
	{"grunfeld", "Grunfeld Defense", SideBlack},
	{"gruenfeld", "Grunfeld Defense", SideBlack},
	{"king's indian defense", "King's Indian Defense", SideBlack},
	{"nimzo-indian", "Nimzo-Indian Defense", SideBlack},
	{"queen's indian", "Queen's Indian Defense", SideBlack},
	{"benoni", "Benoni Defense", SideBlack},
	{"slav", "Slav Defense", SideBlack},
	{"ruy lopez", "Ruy Lopez", SideWhite},
	{"spanish", "Ruy Lopez", SideWhite},
	{"italian", "Italian Game", SideWhite},
	{"two knights", "Two Knights Defense", SideWhite},
	{"scotch", "Scotch Game", SideWhite},
	{"king's gambit", "King's Gambit", SideWhite},
	{"queen's gambit", "Queen's Gambit", SideWhite},
	{"catalan", "Catalan Opening", SideWhite},
	{"english", "English Opening", SideWhite},
	{"reti", "Reti Opening", SideWhite},
	{"réti", "Reti Opening", SideWhite},
	{"london", "London System", SideWhite},
	{"vienna", "Vienna Game", SideWhite},
	{"four knights", "Four Knights Game", SideNeutral},
	{"king's pawn", "King's Pawn Opening", SideNeutral},
	{"queen's pawn", "Queen's Pawn Game", SideNeutral},
}

// moveTable matches the first half-moves, longest sequence first.
var moveTable = []struct {
	moves  string
	family string
	side   Side
}{
	{"e4 e5 Nf3 Nc6 Bb5", "Ruy Lopez", SideWhite},
	{"e4 e5 Nf3 Nc6 Bc4", "Italian Game", SideWhite},
	{"e4 e5 Nf3 Nc6 d4", "Scotch Game", SideWhite},
	{"e4 e5 Nf3 Nf6", "Petrov's Defense", SideBlack},
	{"d4 d5 c4 c6", "Slav Defense", SideBlack},
	{"d4 Nf6 c4 g6", "King's Indian Defense", SideBlack},
	{"d4 Nf6 c4 e6", "Indian Defense", SideBlack},
	{"e4 e5 f4", "King's Gambit", SideWhite},
	{"d4 d5 c4", "Queen's Gambit", SideWhite},
	{"d4 d5 Bf4", "London System", SideWhite},
	{"e4 c5", "Sicilian Defense", SideBlack},
	{"e4 c6", "Caro-Kann Defense", SideBlack},
	{"e4 e6", "French Defense", SideBlack},
	{"e4 d5", "Scandinavian Defense", SideBlack},
	{"e4 d6", "Pirc Defense", SideBlack},
	{"e4 g6", "Modern Defense", SideBlack},
	{"e4 Nf6", "Alekhine's Defense", SideBlack},
	{"d4 f5", "Dutch Defense", SideBlack},
	{"e4 e5", "King's Pawn Game", SideNeutral},
	{"d4 d5", "Queen's Pawn Game", SideNeutral},
}

// firstMoveFallback when nothing else matched.
var firstMoveFallback = map[string]Classification{
	"e4":  {Name: "King's Pawn Opening", Family: "King's Pawn Opening", Side: SideNeutral},
	"d4":  {Name: "Queen's Pawn Opening", Family: "Queen's Pawn Opening", Side: SideNeutral},
	"c4":  {Name: "English Opening", Family: "English Opening", Side: SideWhite},
	"Nf3": {Name: "Reti Opening", Family: "Reti Opening", Side: SideWhite},
}

// Classify resolves the canonical opening. Inputs in priority order:
// an ECO code (from the family field or a dedicated code), the raw
// opening name, then the first half-moves.
func Classify(ecoOrFamily, rawName string, sans []string) Classification {
	if eco := strings.TrimSpace(ecoOrFamily); IsECO(eco) {
		if c, ok := classifyECO(eco[:3]); ok {
			return c
		}
	}
	if name := strings.TrimSpace(rawName); name != "" {
		return Normalize(name)
	}
	if c, ok := classifyMoves(sans); ok {
		return c
	}
	// ecoOrFamily may carry a family name instead of a code.
	if name := strings.TrimSpace(ecoOrFamily); name != "" {
		return Normalize(name)
	}
	return Classification{Name: "Unknown Opening", Family: "Unknown Opening", Side: SideNeutral}
}

func classifyECO(code string) (Classification, bool) {
	for _, r := range ecoRanges {
		if code >= r.lo && code <= r.hi {
			return Classification{Name: r.family, Family: r.family, Side: r.side}, true
		}
	}
	return Classification{}, false
}

// Normalize consolidates a free-form opening name to its family. The
// variation suffix after a colon or comma is dropped before matching.
func Normalize(name string) Classification {
	base := name
	for _, sep := range []string{":", ","} {
		if idx := strings.Index(base, sep); idx >= 0 {
			base = base[:idx]
		}
	}
	base = strings.TrimSpace(base)
	lower := strings.ToLower(base)

	for _, p := range familyPatterns {
		if strings.Contains(lower, p.substr) {
			return Classification{Name: base, Family: p.family, Side: p.side}
		}
	}
	return Classification{Name: base, Family: base, Side: SideNeutral}
}

// classifyMoves matches up to the first six half-moves against the
// curated table, longest prefix first.
func classifyMoves(sans []string) (Classification, bool) {
	if len(sans) == 0 {
		return Classification{}, false
	}
	if len(sans) > 6 {
		sans = sans[:6]
	}
	joined := strings.Join(sans, " ")
	for _, entry := range moveTable {
		if strings.HasPrefix(joined, entry.moves) {
			return Classification{Name: entry.family, Family: entry.family, Side: entry.side}, true
		}
	}
	if c, ok := firstMoveFallback[sans[0]]; ok {
		return c, true
	}
	return Classification{Name: "Irregular Opening", Family: "Irregular Opening", Side: SideNeutral}, true
}

// OwnedBy reports whether an opening belongs in a player's repertoire
// for the given color. Neutral openings belong to both.
func OwnedBy(c Classification, color models.Color) bool {
	switch c.Side {
	case SideNeutral:
		return true
	case SideWhite:
		return color == models.ColorWhite
	case SideBlack:
		return color == models.ColorBlack
	default:
		return true
	}
}

// FilterRepertoire keeps only the games whose canonical opening matches
// the color the player held. This is the authoritative server-side rule
// for repertoire statistics.
func FilterRepertoire(games []models.Game, color models.Color) []models.Game {
	var out []models.Game
	for _, g := range games {
		if g.Color != color {
			continue
		}
		c := Classify(g.OpeningFamily, g.Opening, nil)
		if OwnedBy(c, color) {
			out = append(out, g)
		}
	}
	return out
}
