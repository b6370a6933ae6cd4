package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/noah-isme/gema-grader/internal/config"
	"github.com/noah-isme/gema-grader/internal/dto"
	"github.com/noah-isme/gema-grader/internal/grading"
)

type gradeOptions struct {
	asJSON      bool
	concurrency int
	verbose     bool
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(exitCode(err))
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "autograde",
		Short:         "Grade essays against a rubric from the command line",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newGradeCommand(), newConfigCommand())
	return root
}

func newGradeCommand() *cobra.Command {
	opts := gradeOptions{}
	cmd := &cobra.Command{
		Use:   "grade <essay> <rubric>",
		Short: "Run the grading pipeline for one essay and print the report",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runGrade(ctx, cmd.OutOrStdout(), cmd.ErrOrStderr(), args[0], args[1], opts)
		},
	}
	cmd.Flags().BoolVar(&opts.asJSON, "json", false, "print the full result as JSON")
	cmd.Flags().IntVar(&opts.concurrency, "concurrency", 0, "override the number of concurrent trait scorings")
	cmd.Flags().BoolVarP(&opts.verbose, "verbose", "v", false, "log pipeline progress to stderr")
	return cmd
}

func newConfigCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Show the effective grading configuration",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "extraction:  %s\n", cfg.Grading.ExtractionURL)
			fmt.Fprintf(out, "traits:      %s\n", cfg.Grading.TraitsURL)
			fmt.Fprintf(out, "primary:     %s\n", cfg.Grading.PrimaryURL)
			fmt.Fprintf(out, "timeout:     %s\n", cfg.Grading.Timeout)
			fmt.Fprintf(out, "concurrency: %d\n", cfg.Grading.Concurrency)
			fmt.Fprintf(out, "provider:    %s\n", cfg.AI.Provider)
			fmt.Fprintf(out, "credentials: %t\n", cfg.AI.OpenAIAPIKey != "" || cfg.AI.AnthropicAPIKey != "")
			return nil
		},
	}
}

func runGrade(ctx context.Context, stdout, stderr io.Writer, essayPath, rubricPath string, opts gradeOptions) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if opts.concurrency > 0 {
		cfg.Grading.Concurrency = opts.concurrency
	}

	logger := zerolog.New(zerolog.ConsoleWriter{Out: stderr, TimeFormat: time.Kitchen}).With().Timestamp().Logger()
	if !opts.verbose {
		logger = logger.Level(zerolog.WarnLevel)
	}

	pipeline, err := grading.BuildPipeline(cfg.Grading, cfg.AI, logger)
	if err != nil {
		return err
	}

	result, err := pipeline.Run(ctx, grading.Input{
		SubmissionID: filepath.Base(essayPath),
		EssayPath:    essayPath,
		RubricPath:   rubricPath,
	})
	if err != nil {
		return err
	}

	if opts.asJSON {
		encoder := json.NewEncoder(stdout)
		encoder.SetIndent("", "  ")
		return encoder.Encode(dto.NewAutogradeResponse(0, result, time.Now().UTC()))
	}

	fmt.Fprintln(stdout, result.Feedback)
	for _, entry := range result.Audit {
		fmt.Fprintf(stderr, "audit: %s %s: %s\n", entry.Trait, entry.Outcome, entry.Note)
	}
	return nil
}

// Exit codes let scripts tell configuration problems from collaborator outages.
func exitCode(err error) int {
	switch {
	case errors.Is(err, grading.ErrConfiguration):
		return 3
	case errors.Is(err, grading.ErrCancelled):
		return 130
	case errors.Is(err, grading.ErrExtraction),
		errors.Is(err, grading.ErrTraitParsing),
		errors.Is(err, grading.ErrPrimaryScoring):
		return 4
	case errors.Is(err, grading.ErrAggregation):
		return 5
	default:
		return 1
	}
}
