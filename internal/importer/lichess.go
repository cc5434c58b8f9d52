package importer

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/chessmirror/chessmirror/internal/models"
)

const lichessBaseURL = "https://lichess.org"

// ImportedGame pairs a canonical game record with its raw movetext.
type ImportedGame struct {
	Game models.Game
	PGN  string
}

// Source is the per-platform fetch contract the two-phase importer runs
// against. Both directions return games newest first; a short batch
// means the cursor's window is exhausted.
type Source interface {
	// FetchNewer returns up to limit games played strictly after the
	// cursor. A nil cursor means "from the beginning of time".
	FetchNewer(ctx context.Context, userID string, after *time.Time, limit int) ([]ImportedGame, error)

	// FetchOlder returns up to limit games played strictly before the
	// cursor, moving backward through history.
	FetchOlder(ctx context.Context, userID string, before time.Time, limit int) ([]ImportedGame, error)

	// FetchGamePGN retrieves a single game's movetext on demand.
	FetchGamePGN(ctx context.Context, userID, gameID string) (string, error)
}

// LichessClient imports games through the Lichess export API, which
// streams newline-delimited PGN with millisecond since/until cursors.
type LichessClient struct {
	client  *guardedClient
	baseURL string
	token   string
}

// NewLichessClient creates the Lichess adapter. token is optional; an
// authenticated client gets a higher export rate.
func NewLichessClient(token string) *LichessClient {
	return &LichessClient{
		client:  newGuardedClient("lichess", 2, 4),
		baseURL: lichessBaseURL,
		token:   token,
	}
}

func (c *LichessClient) headers() map[string]string {
	h := map[string]string{"Accept": "application/x-chess-pgn"}
	if c.token != "" {
		h["Authorization"] = "Bearer " + c.token
	}
	return h
}

func (c *LichessClient) FetchNewer(ctx context.Context, userID string, after *time.Time, limit int) ([]ImportedGame, error) {
	url := fmt.Sprintf("%s/api/games/user/%s?max=%d&opening=true", c.baseURL, userID, limit)
	if after != nil {
		// since is inclusive; step past the cursor to avoid re-fetching it.
		url += fmt.Sprintf("&since=%d", after.UnixMilli()+1)
	}
	return c.export(ctx, userID, url)
}

func (c *LichessClient) FetchOlder(ctx context.Context, userID string, before time.Time, limit int) ([]ImportedGame, error) {
	// until is inclusive; subtract 1 ms so windows never overlap.
	url := fmt.Sprintf("%s/api/games/user/%s?max=%d&opening=true&until=%d",
		c.baseURL, userID, limit, before.UnixMilli()-1)
	return c.export(ctx, userID, url)
}

func (c *LichessClient) export(ctx context.Context, userID, url string) ([]ImportedGame, error) {
	body, err := c.client.get(ctx, url, c.headers())
	if err != nil {
		return nil, err
	}

	var games []ImportedGame
	for _, pgn := range SplitPGNs(string(body)) {
		gameID := lichessGameID(ParseHeaders(pgn))
		if gameID == "" {
			log.Warn().Str("user_id", userID).Msg("Skipping Lichess game without identifiable ID")
			continue
		}
		game, err := GameFromPGN(userID, models.PlatformLichess, gameID, pgn)
		if err != nil {
			log.Warn().Str("user_id", userID).Str("game_id", gameID).Err(err).
				Msg("Skipping unparseable Lichess game")
			continue
		}
		games = append(games, ImportedGame{Game: game, PGN: pgn})
	}

	// The export endpoint returns newest first; keep that contract even
	// if the stream order ever changes.
	sort.SliceStable(games, func(i, j int) bool {
		return games[i].Game.PlayedAt.After(games[j].Game.PlayedAt)
	})
	return games, nil
}

func (c *LichessClient) FetchGamePGN(ctx context.Context, userID, gameID string) (string, error) {
	url := fmt.Sprintf("%s/game/export/%s?opening=true", c.baseURL, gameID)
	body, err := c.client.get(ctx, url, c.headers())
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(body)), nil
}

// lichessGameID extracts the game ID from the Site header
// ("https://lichess.org/AbCd1234") or a GameId header when present.
func lichessGameID(headers map[string]string) string {
	if id := headers["GameId"]; id != "" {
		return id
	}
	site := headers["Site"]
	if idx := strings.LastIndex(site, "/"); idx >= 0 && idx+1 < len(site) {
		return site[idx+1:]
	}
	return ""
}
