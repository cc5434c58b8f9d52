package main

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/chessmirror/chessmirror/internal/config"
	"github.com/chessmirror/chessmirror/internal/importer"
	"github.com/chessmirror/chessmirror/internal/models"
	"github.com/chessmirror/chessmirror/internal/persistence/postgres"
)

func newImportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import <user_id>",
		Short: "Run a one-shot game import",
		Long:  "Imports a user's games from Lichess or Chess.com and waits for completion.",
		Args:  cobra.ExactArgs(1),
		RunE:  runImport,
	}
	cmd.Flags().String("platform", "lichess", "Source platform (lichess|chess.com)")
	cmd.Flags().Int("max-games", 0, "Session game cap (0 = configured default)")
	cmd.Flags().Bool("smart", false, "Probe for new games only, skip history backfill")
	cmd.Flags().String("token", "", "Lichess API token for private games")
	return cmd
}

func runImport(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	platformFlag, _ := cmd.Flags().GetString("platform")
	maxGames, _ := cmd.Flags().GetInt("max-games")
	smart, _ := cmd.Flags().GetBool("smart")
	token, _ := cmd.Flags().GetString("token")

	platform := models.Platform(platformFlag)
	if !platform.Valid() {
		return fmt.Errorf("unknown platform %q", platformFlag)
	}
	userID := models.CanonicalUserID(args[0], platform)

	db, store, err := postgres.Connect(cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()

	schemaCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := postgres.EnsureSchema(schemaCtx, db); err != nil {
		return err
	}

	sources := map[models.Platform]importer.Source{
		models.PlatformLichess:  importer.NewLichessClient(token),
		models.PlatformChessCom: importer.NewChessComClient(),
	}
	imports := importer.New(store.Games, store.PGNs, sources, nil, cfg.Import)

	mode := importer.ModeFull
	if smart {
		mode = importer.ModeSmart
	}
	if _, err := imports.Start(userID, platform, maxGames, mode); err != nil {
		return err
	}

	// Poll the session until it reaches a terminal phase.
	for {
		time.Sleep(time.Second)
		session := imports.Progress(userID, platform)
		if session == nil {
			continue
		}
		log.Info().Str("phase", string(session.Phase)).
			Int("imported", session.ImportedCount).
			Int("checked", session.CheckedCount).
			Int("duplicates", session.SkippedDuplicates).
			Msg("Import progress")

		switch session.Phase {
		case models.PhaseDone:
			fmt.Printf("imported %d games (%d checked, %d duplicates)\n",
				session.ImportedCount, session.CheckedCount, session.SkippedDuplicates)
			return nil
		case models.PhaseError:
			return fmt.Errorf("import failed: %s", session.StatusMessage)
		}
	}
}
