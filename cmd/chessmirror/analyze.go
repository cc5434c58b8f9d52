package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/chessmirror/chessmirror/internal/analysis"
	"github.com/chessmirror/chessmirror/internal/config"
	"github.com/chessmirror/chessmirror/internal/engine"
	"github.com/chessmirror/chessmirror/internal/importer"
	"github.com/chessmirror/chessmirror/internal/models"
	"github.com/chessmirror/chessmirror/internal/personality"
)

func newAnalyzeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "analyze <pgn-file>",
		Short: "Analyze a single PGN file",
		Long:  "Runs the engine over one game and prints the per-move and aggregate analysis as JSON.",
		Args:  cobra.ExactArgs(1),
		RunE:  runAnalyze,
	}
	cmd.Flags().String("user", "", "Player name to analyze (must match a PGN White/Black header)")
	cmd.Flags().Int("depth", 0, "Engine search depth (0 = configured default)")
	cmd.Flags().Bool("deep", false, "Use the deep analysis profile")
	return cmd
}

func runAnalyze(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	user, _ := cmd.Flags().GetString("user")
	depth, _ := cmd.Flags().GetInt("depth")
	deep, _ := cmd.Flags().GetBool("deep")
	if user == "" {
		return fmt.Errorf("--user is required")
	}
	if depth <= 0 {
		depth = cfg.Engine.DefaultDepth
	}
	analysisType := models.AnalysisStockfish
	if deep {
		analysisType = models.AnalysisDeep
	}

	pgnBytes, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("failed to read PGN file: %w", err)
	}
	pgn := string(pgnBytes)

	game, err := importer.GameFromPGN(user, models.PlatformLichess, "local", pgn)
	if err != nil {
		return err
	}

	pool := engine.NewPool(cfg.Engine)
	defer pool.Close()
	analyzer := analysis.NewAnalyzer(pool, nil)

	plies, err := analysis.CountPlies(pgn)
	if err != nil {
		return err
	}
	moveTime := time.Duration(cfg.Engine.DefaultMoveTime * float64(time.Second))
	budget := time.Duration(plies+1) * moveTime * 10
	if budget < time.Minute {
		budget = time.Minute
	}
	ctx, cancel := context.WithTimeout(context.Background(), budget)
	defer cancel()

	params := analysis.Params{Depth: depth, MoveTime: moveTime, SkillLevel: cfg.Engine.SkillLevel}
	rows, err := analyzer.AnalyzeGame(ctx, game, pgn, analysisType, params, func(analyzed, total, fallback int) {
		fmt.Fprintf(os.Stderr, "\ranalyzed %d/%d moves", analyzed, total)
	})
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return err
	}

	agg := analysis.Aggregate(game, analysisType, rows)
	agg.Traits = personality.GameTraits(rows, game.Color)

	out := struct {
		Game     models.Game           `json:"game"`
		Moves    []models.MoveAnalysis `json:"moves"`
		Analysis models.GameAnalysis   `json:"analysis"`
	}{Game: game, Moves: rows, Analysis: agg}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}
