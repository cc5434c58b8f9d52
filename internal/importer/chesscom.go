package importer

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/chessmirror/chessmirror/internal/models"
)

const (
	chessComBaseURL = "https://api.chess.com/pub"

	// The public-data API rejects requests without a User-Agent.
	chessComUserAgent = "chessmirror/1.0 (+https://github.com/chessmirror/chessmirror)"

	// fallbackScanMonths bounds the single-game archive scan.
	fallbackScanMonths = 3
)

// ChessComClient imports games through the Chess.com public-data API:
// a per-month archive list traversed newest month first, with the
// in-month game order reversed so the newest game is considered first.
type ChessComClient struct {
	client  *guardedClient
	baseURL string
}

func NewChessComClient() *ChessComClient {
	return &ChessComClient{
		client:  newGuardedClient("chesscom", 1, 2),
		baseURL: chessComBaseURL,
	}
}

type archiveList struct {
	Archives []string `json:"archives"`
}

type archiveGame struct {
	URL     string `json:"url"`
	PGN     string `json:"pgn"`
	EndTime int64  `json:"end_time"`
}

type monthlyArchive struct {
	Games []archiveGame `json:"games"`
}

func (c *ChessComClient) headers() map[string]string {
	return map[string]string{"User-Agent": chessComUserAgent}
}

// listArchives returns the monthly archive URLs, newest month first.
func (c *ChessComClient) listArchives(ctx context.Context, userID string) ([]string, error) {
	url := fmt.Sprintf("%s/player/%s/games/archives", c.baseURL, userID)
	body, err := c.client.get(ctx, url, c.headers())
	if err != nil {
		return nil, err
	}
	var list archiveList
	if err := json.Unmarshal(body, &list); err != nil {
		return nil, models.Tagged(models.TagParseError, fmt.Errorf("malformed archive list: %w", err))
	}
	// The API lists oldest first; reverse for newest-first traversal.
	for i, j := 0, len(list.Archives)-1; i < j; i, j = i+1, j-1 {
		list.Archives[i], list.Archives[j] = list.Archives[j], list.Archives[i]
	}
	return list.Archives, nil
}

// monthGames fetches one monthly archive and returns its games newest
// first (the API returns them oldest first within a month).
func (c *ChessComClient) monthGames(ctx context.Context, archiveURL string) ([]archiveGame, error) {
	body, err := c.client.get(ctx, archiveURL, c.headers())
	if err != nil {
		return nil, err
	}
	var month monthlyArchive
	if err := json.Unmarshal(body, &month); err != nil {
		return nil, models.Tagged(models.TagParseError, fmt.Errorf("malformed monthly archive: %w", err))
	}
	for i, j := 0, len(month.Games)-1; i < j; i, j = i+1, j-1 {
		month.Games[i], month.Games[j] = month.Games[j], month.Games[i]
	}
	return month.Games, nil
}

func (c *ChessComClient) FetchNewer(ctx context.Context, userID string, after *time.Time, limit int) ([]ImportedGame, error) {
	keep := func(endTime time.Time) bool {
		return after == nil || endTime.After(*after)
	}
	return c.collect(ctx, userID, limit, keep)
}

func (c *ChessComClient) FetchOlder(ctx context.Context, userID string, before time.Time, limit int) ([]ImportedGame, error) {
	keep := func(endTime time.Time) bool {
		return endTime.Before(before)
	}
	return c.collect(ctx, userID, limit, keep)
}

// collect walks the archives newest month first, keeping games that pass
// the cursor predicate, until limit games are gathered or a full month
// yields nothing inside the window.
func (c *ChessComClient) collect(ctx context.Context, userID string, limit int, keep func(time.Time) bool) ([]ImportedGame, error) {
	archives, err := c.listArchives(ctx, userID)
	if err != nil {
		return nil, err
	}

	var games []ImportedGame
	for _, archiveURL := range archives {
		if len(games) >= limit {
			break
		}
		monthGames, err := c.monthGames(ctx, archiveURL)
		if err != nil {
			return games, err
		}
		matched := false
		for _, ag := range monthGames {
			if len(games) >= limit {
				break
			}
			endTime := time.Unix(ag.EndTime, 0).UTC()
			if !keep(endTime) {
				continue
			}
			matched = true
			imported, ok := c.toImportedGame(userID, ag, endTime)
			if !ok {
				continue
			}
			games = append(games, imported)
		}
		// A month entirely outside the window during backfill means we
		// have walked past the cursor; newer-only probes keep scanning
		// because older months cannot match either way.
		if !matched && len(games) > 0 {
			break
		}
	}
	return games, nil
}

func (c *ChessComClient) toImportedGame(userID string, ag archiveGame, endTime time.Time) (ImportedGame, bool) {
	gameID := chessComGameID(ag.URL)
	if gameID == "" || ag.PGN == "" {
		log.Warn().Str("user_id", userID).Str("url", ag.URL).
			Msg("Skipping Chess.com game without ID or PGN")
		return ImportedGame{}, false
	}
	game, err := GameFromPGN(userID, models.PlatformChessCom, gameID, ag.PGN)
	if err != nil {
		log.Warn().Str("user_id", userID).Str("game_id", gameID).Err(err).
			Msg("Skipping unparseable Chess.com game")
		return ImportedGame{}, false
	}
	// end_time from the API is authoritative over PGN headers.
	game.PlayedAt = endTime
	return ImportedGame{Game: game, PGN: ag.PGN}, true
}

// FetchGamePGN scans the most recent monthly archives for the game. The
// public API has no direct single-game endpoint.
func (c *ChessComClient) FetchGamePGN(ctx context.Context, userID, gameID string) (string, error) {
	archives, err := c.listArchives(ctx, userID)
	if err != nil {
		return "", err
	}
	if len(archives) > fallbackScanMonths {
		archives = archives[:fallbackScanMonths]
	}
	for _, archiveURL := range archives {
		monthGames, err := c.monthGames(ctx, archiveURL)
		if err != nil {
			return "", err
		}
		for _, ag := range monthGames {
			if chessComGameID(ag.URL) == gameID {
				return ag.PGN, nil
			}
		}
	}
	return "", models.Taggedf(models.TagNotFound,
		"game %s not found in the last %d months of archives", gameID, fallbackScanMonths)
}

// chessComGameID is the last path segment of the game URL.
func chessComGameID(url string) string {
	if idx := strings.LastIndex(url, "/"); idx >= 0 && idx+1 < len(url) {
		return url[idx+1:]
	}
	return ""
}
