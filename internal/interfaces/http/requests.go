package http

import (
	"net"
	"net/http"
	"strings"

	"github.com/chessmirror/chessmirror/internal/models"
	"github.com/chessmirror/chessmirror/internal/ratelimit"
)

// analyzeRequest is the wire shape of POST /analyze. The populated
// fields select the variant; resolveVariant rejects ambiguous bodies.
type analyzeRequest struct {
	UserID       string `json:"user_id"`
	Platform     string `json:"platform"`
	AnalysisType string `json:"analysis_type"`
	Depth        int    `json:"depth"`
	Tier         string `json:"tier"`

	GameID string `json:"game_id"`
	PGN    string `json:"pgn"`
	FEN    string `json:"fen"`
	Move   string `json:"move"`
	Limit  int    `json:"limit"`
}

// analyzeVariant is the discriminated form of an analyze body.
type analyzeVariant string

const (
	variantBatch    analyzeVariant = "batch"
	variantGameID   analyzeVariant = "game_id"
	variantPGN      analyzeVariant = "pgn"
	variantPosition analyzeVariant = "position"
	variantMove     analyzeVariant = "move"
)

// resolveVariant picks exactly one request variant from the populated
// fields. A move without a position, or several targets at once, is a
// validation error.
func (req *analyzeRequest) resolveVariant() (analyzeVariant, error) {
	var variants []analyzeVariant
	if req.Limit > 0 {
		variants = append(variants, variantBatch)
	}
	if req.GameID != "" {
		variants = append(variants, variantGameID)
	}
	if req.PGN != "" {
		variants = append(variants, variantPGN)
	}
	if req.FEN != "" {
		if req.Move != "" {
			variants = append(variants, variantMove)
		} else {
			variants = append(variants, variantPosition)
		}
	}
	if req.Move != "" && req.FEN == "" {
		return "", models.Taggedf(models.TagValidation, "move requires a fen position")
	}
	if len(variants) != 1 {
		return "", models.Taggedf(models.TagValidation,
			"exactly one of limit, game_id, pgn or fen must be set (got %d)", len(variants))
	}
	return variants[0], nil
}

func (req *analyzeRequest) analysisType() models.AnalysisType {
	if req.AnalysisType == "" {
		return models.AnalysisStockfish
	}
	return models.AnalysisType(req.AnalysisType)
}

func (req *analyzeRequest) tier() (ratelimit.Tier, bool) {
	switch strings.ToLower(req.Tier) {
	case "paid":
		return ratelimit.TierPaid, false
	case "free", "":
		return ratelimit.TierFree, false
	default:
		return ratelimit.TierAnonymous, true
	}
}

// clientIP extracts the originating address, preferring the first hop
// of X-Forwarded-For when a proxy added one.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if first, _, ok := strings.Cut(fwd, ","); ok {
			return strings.TrimSpace(first)
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// tenantFromPath canonicalizes the path identity. Every lookup, write,
// cache key and quota check downstream sees only the canonical form.
func tenantFromPath(vars map[string]string) (string, models.Platform, error) {
	platform := models.Platform(vars["platform"])
	if !platform.Valid() {
		return "", "", models.Taggedf(models.TagValidation, "unknown platform %q", vars["platform"])
	}
	userID := models.CanonicalUserID(vars["user_id"], platform)
	if userID == "" {
		return "", "", models.Taggedf(models.TagValidation, "user_id is required")
	}
	return userID, platform, nil
}
