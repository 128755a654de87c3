// Package cmd implements the sage CLI: note capture, personalized
// answers, and the spaced-repetition review loop.
package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/ficous/sage/internal/app"
	"github.com/ficous/sage/internal/config"
	"github.com/ficous/sage/internal/log"
)

var (
	flagUser string
	flagJSON bool
)

var rootCmd = &cobra.Command{
	Use:   "sage",
	Short: "sage - a study assistant that knows what you know",
	Long: `sage keeps your study notes searchable, answers questions with your
own material as context, and schedules flashcard reviews so the weak
spots come back around.`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagUser, "user", os.Getenv("SAGE_USER"),
		"user ID (UUID); defaults to the SAGE_USER environment variable")
	rootCmd.PersistentFlags().BoolVar(&flagJSON, "json", false, "log in JSON format")
}

// setup loads configuration and wires the application. Callers own the
// returned App and must Close it.
func setup(ctx context.Context) (*app.App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("loading configuration: %w", err)
	}

	logger := log.New(log.Config{Level: log.ParseLevel(os.Getenv("SAGE_LOG_LEVEL")), JSON: flagJSON})
	a, err := app.Setup(ctx, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing application: %w", err)
	}
	return a, nil
}

// currentUser resolves the acting user. The zero UUID is the implicit
// single local user, so running without --user just works.
func currentUser() (uuid.UUID, error) {
	if flagUser == "" {
		return uuid.Nil, nil
	}
	id, err := uuid.Parse(flagUser)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid user ID %q: %w", flagUser, err)
	}
	return id, nil
}

func parseOptionalUUID(s, what string) (*uuid.UUID, error) {
	if s == "" {
		return nil, nil
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return nil, fmt.Errorf("invalid %s %q: %w", what, s, err)
	}
	return &id, nil
}
