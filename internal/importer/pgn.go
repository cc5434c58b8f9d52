package importer

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/chessmirror/chessmirror/internal/models"
)

var tagPairRe = regexp.MustCompile(`^\[(\w+)\s+"(.*)"\]\s*$`)

// ParseHeaders extracts PGN tag pairs, one per line. Parsing is strictly
// line-based: a date header and a time header on the same physical line
// never both match.
func ParseHeaders(pgn string) map[string]string {
	headers := make(map[string]string)
	for _, line := range strings.Split(pgn, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || !strings.HasPrefix(line, "[") {
			continue
		}
		if m := tagPairRe.FindStringSubmatch(line); m != nil {
			headers[m[1]] = m[2]
		}
	}
	return headers
}

// PlayedAtFromHeaders derives the game timestamp from the UTCDate and
// UTCTime headers. Both must be present; a missing half is a parse error
// rather than a guessed midnight.
func PlayedAtFromHeaders(headers map[string]string) (time.Time, error) {
	date, hasDate := headers["UTCDate"]
	clock, hasTime := headers["UTCTime"]
	if !hasDate || !hasTime {
		return time.Time{}, models.Taggedf(models.TagParseError,
			"PGN missing UTCDate/UTCTime headers (have date=%v time=%v)", hasDate, hasTime)
	}
	ts, err := time.Parse("2006.01.02 15:04:05", date+" "+clock)
	if err != nil {
		return time.Time{}, models.Tagged(models.TagParseError,
			fmt.Errorf("unparseable UTCDate/UTCTime %q %q: %w", date, clock, err))
	}
	return ts.UTC(), nil
}

// GameFromPGN builds a canonical game record from PGN headers. userID must
// already be canonical; it is matched case-insensitively against the White
// and Black headers to find the player's color.
func GameFromPGN(userID string, platform models.Platform, providerGameID, pgn string) (models.Game, error) {
	headers := ParseHeaders(pgn)

	white := strings.ToLower(headers["White"])
	black := strings.ToLower(headers["Black"])
	var color models.Color
	switch strings.ToLower(userID) {
	case white:
		color = models.ColorWhite
	case black:
		color = models.ColorBlack
	default:
		return models.Game{}, models.Taggedf(models.TagParseError,
			"user %q is neither White %q nor Black %q", userID, headers["White"], headers["Black"])
	}

	playedAt, err := PlayedAtFromHeaders(headers)
	if err != nil {
		return models.Game{}, err
	}

	game := models.Game{
		UserID:         userID,
		Platform:       platform,
		ProviderGameID: providerGameID,
		PlayedAt:       playedAt,
		Color:          color,
		Result:         resultFor(headers["Result"], color),
		TimeControl:    headers["TimeControl"],
		Opening:        headers["Opening"],
	}
	if eco := headers["ECO"]; eco != "" {
		game.OpeningFamily = eco
	}
	if color == models.ColorWhite {
		game.MyRating = atoiOrZero(headers["WhiteElo"])
		game.OpponentRating = atoiOrZero(headers["BlackElo"])
	} else {
		game.MyRating = atoiOrZero(headers["BlackElo"])
		game.OpponentRating = atoiOrZero(headers["WhiteElo"])
	}
	return game, nil
}

// resultFor maps the PGN Result header to the player's perspective.
func resultFor(result string, color models.Color) models.GameResult {
	switch result {
	case "1-0":
		if color == models.ColorWhite {
			return models.ResultWin
		}
		return models.ResultLoss
	case "0-1":
		if color == models.ColorBlack {
			return models.ResultWin
		}
		return models.ResultLoss
	default:
		return models.ResultDraw
	}
}

// SplitPGNs separates a newline-delimited multi-game PGN stream into
// individual games. A new game begins at each [Event header.
func SplitPGNs(stream string) []string {
	var games []string
	var current strings.Builder
	sawMoves := false

	flush := func() {
		text := strings.TrimSpace(current.String())
		if text != "" {
			games = append(games, text)
		}
		current.Reset()
		sawMoves = false
	}

	for _, line := range strings.Split(stream, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "[Event ") && sawMoves {
			flush()
		}
		if trimmed != "" && !strings.HasPrefix(trimmed, "[") {
			sawMoves = true
		}
		current.WriteString(line)
		current.WriteString("\n")
	}
	flush()
	return games
}

func atoiOrZero(s string) int {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return n
}
