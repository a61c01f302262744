package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	orchestration "github.com/koscakluka/ema-classroom/core"
	"github.com/koscakluka/ema-classroom/core/audio/miniaudio"
	"github.com/koscakluka/ema-classroom/internal/store"
	"github.com/koscakluka/ema-classroom/internal/transcript"
)

func newLocalCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "local",
		Short: "Run one session on the local microphone and speaker",
		Long: `Runs a single session against the default audio devices. Live
transcriptions are printed as they arrive; the stored transcript is printed
when the session ends (Ctrl+C).`,
		Args: cobra.NoArgs,
		RunE: runLocal,
	}
	cmd.Flags().String("format", "md", "format of the final transcript (md, txt, none)")
	return cmd
}

type liveLine struct {
	Type    string `json:"type"`
	Text    string `json:"text"`
	Persona string `json:"persona"`
	Role    string `json:"role"`
}

func printSideband(out io.Writer) func(payload []byte, topic string) {
	return func(payload []byte, topic string) {
		var line liveLine
		if err := json.Unmarshal(payload, &line); err != nil {
			return
		}
		switch line.Type {
		case "user_transcription":
			fmt.Fprintf(out, "teacher: %s\n", line.Text)
		case "agent_response":
			fmt.Fprintf(out, "agent:   %s\n", line.Text)
		case "persona":
			fmt.Fprintf(out, "-- %s takes over --\n", line.Persona)
		}
	}
}

func runLocal(cmd *cobra.Command, _ []string) error {
	cfg, log, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	formatFlag, _ := cmd.Flags().GetString("format")
	var format transcript.Format
	if formatFlag != "none" {
		if format, err = transcript.ParseFormat(formatFlag); err != nil {
			return err
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	out := cmd.OutOrStdout()
	device, err := miniaudio.NewTransport(
		miniaudio.WithSidebandCallback(printSideband(out)),
		miniaudio.WithLogger(log),
	)
	if err != nil {
		return fmt.Errorf("open audio devices: %w", err)
	}
	defer device.Close()

	memory := store.NewMemory()
	opts, _ := coordinatorOptions(cfg, pipelineDeps{sink: memory, log: log})
	coordinator := orchestration.NewCoordinator(opts...)
	defer coordinator.Close()

	handle, err := coordinator.Start(ctx, "", device)
	if err != nil {
		return fmt.Errorf("start session: %w", err)
	}
	fmt.Fprintf(out, "session %s started, press Ctrl+C to end\n", handle.ID())

	select {
	case <-ctx.Done():
	case <-handle.Done():
	}
	if err := handle.Stop(); err != nil {
		log.Warn("session stop failed", "error", err)
	}

	if format == "" {
		return nil
	}
	doc, err := transcript.Load(context.Background(), memory, handle.ID())
	if err != nil {
		return err
	}
	return transcript.Write(out, doc, format, time.Now())
}
