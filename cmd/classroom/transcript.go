package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/koscakluka/ema-classroom/internal/store"
	"github.com/koscakluka/ema-classroom/internal/transcript"
)

func newTranscriptCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "transcript <session-id>",
		Short: "Export a stored session transcript",
		Long: `Renders the stored transcript of a session in turn order, including
turns that could not be transcribed.

Examples:
  classroom transcript 3f9c... --format md --out lesson.md
  classroom transcript 3f9c... --format txt`,
		Args: cobra.ExactArgs(1),
		RunE: runTranscript,
	}
	cmd.Flags().String("format", "md", "output format (md, txt)")
	cmd.Flags().StringP("out", "o", "", "output file (default stdout)")
	return cmd
}

func runTranscript(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if cfg.DatabaseURL == "" {
		return errors.New("DATABASE_URL is required")
	}

	formatFlag, _ := cmd.Flags().GetString("format")
	format, err := transcript.ParseFormat(formatFlag)
	if err != nil {
		return err
	}

	db, err := store.New(cmd.Context(), cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer db.Close()

	doc, err := transcript.Load(cmd.Context(), db, args[0])
	if err != nil {
		return err
	}
	if doc.Session == nil && len(doc.Entries) == 0 {
		return fmt.Errorf("no transcript for session %s", args[0])
	}

	var out io.Writer = cmd.OutOrStdout()
	if path, _ := cmd.Flags().GetString("out"); path != "" {
		f, err := os.Create(path)
		if err != nil {
			return fmt.Errorf("create output: %w", err)
		}
		defer f.Close()
		out = f
	}
	return transcript.Write(out, doc, format, time.Now())
}
