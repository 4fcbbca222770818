package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/database"
	"github.com/stemsi/exstem-proctor/internal/logger"
	"github.com/stemsi/exstem-proctor/internal/repository"
	"github.com/stemsi/exstem-proctor/internal/repository/memory"
)

var seedCmd = &cobra.Command{
	Use:   "seed <quizzes.yaml>",
	Short: "Load quizzes and answer keys from a YAML file into PostgreSQL",
	Long: `Load quizzes and answer keys into PostgreSQL. The file uses the same
format as QUIZ_SEED_FILE for the memory driver. Existing quizzes with the
same id are updated and their questions replaced.`,
	Args: cobra.ExactArgs(1),
	RunE: runSeed,
}

func runSeed(cmd *cobra.Command, args []string) error {
	catalog, err := memory.LoadCatalogFile(args[0])
	if err != nil {
		return err
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log := logger.New(os.Stderr, cfg.LogLevel, cfg.LogFormat)

	ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Minute)
	defer cancel()

	pool, err := database.NewPostgresPool(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer pool.Close()

	tx := repository.NewTransactor(pool)
	repo := repository.NewQuizCatalogRepository(pool)

	seeded := 0
	for _, quiz := range catalog.Quizzes() {
		questions, err := catalog.GetAnswerKey(ctx, quiz.ID)
		if err != nil {
			return err
		}
		err = tx.WithinTx(ctx, func(ctx context.Context) error {
			return repo.Upsert(ctx, quiz, questions)
		})
		if err != nil {
			return fmt.Errorf("seed quiz %d: %w", quiz.ID, err)
		}
		log.Info().Int64("quiz_id", quiz.ID).Int("questions", len(questions)).Msg("Quiz seeded")
		seeded++
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Seed completed! %d quizzes written.\n", seeded)
	return nil
}
