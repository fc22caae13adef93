package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/osa-agent/osa/internal/config"
	"github.com/osa-agent/osa/internal/events"
	"github.com/osa-agent/osa/internal/sessions"
	"github.com/osa-agent/osa/internal/signals"
	"github.com/osa-agent/osa/pkg/models"
)

func buildRootCmd() *cobra.Command {
	var home string
	cmd := &cobra.Command{
		Use:           "osa",
		Short:         "OSA multi-channel agent runtime",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&home, "home", "", "OSA home directory (default $OSA_HOME or ~/.osa)")
	cmd.AddCommand(
		buildServeCmd(&home),
		buildChatCmd(&home),
		buildClassifyCmd(),
		buildVersionCmd(),
	)
	return cmd
}

func buildServeCmd(home *string) *cobra.Command {
	var debug bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the agent runtime and its HTTP/SSE surface",
		Long: `Start the runtime: providers are probed and chained, the task queue
and scheduler start, and the HTTP surface listens until SIGINT/SIGTERM.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), *home, debug)
		},
	}
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	return cmd
}

func runServe(ctx context.Context, home string, debug bool) error {
	cfg, err := config.Load(home)
	if err != nil {
		return err
	}
	logger := newLogger(debug)
	slog.SetDefault(logger)

	rt, err := buildRuntime(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer rt.close()

	rt.sched.Start(ctx)
	srv := newGateway(rt)

	sigCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case err := <-errCh:
		return err
	case <-sigCtx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func buildChatCmd(home *string) *cobra.Command {
	var sessionID string
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Interactive terminal session with the agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat(cmd.Context(), *home, sessionID)
		},
	}
	cmd.Flags().StringVarP(&sessionID, "session", "s", "", "Resume a session id")
	return cmd
}

func runChat(ctx context.Context, home, sessionID string) error {
	cfg, err := config.Load(home)
	if err != nil {
		return err
	}
	logger := newLogger(false)

	rt, err := buildRuntime(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer rt.close()

	if sessionID == "" {
		sessionID = sessions.NewSessionID()
	}
	fmt.Printf("session %s — type a message, ctrl-d to exit\n", sessionID)

	// Mirror streaming deltas and tool activity to the terminal.
	sub := rt.bus.SubscribeSession(sessionID)
	defer sub.Close()
	go func() {
		for evt := range sub.Events() {
			switch {
			case evt.Type == events.LLMResponse && evt.Payload["partial"] == true:
				fmt.Print(evt.Payload["delta"])
			case evt.Type == events.ToolEvent:
				fmt.Printf("\n[tool: %v]\n", evt.Payload["tool"])
			}
		}
	}()

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for {
		fmt.Print("\n> ")
		if !scanner.Scan() {
			break
		}
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		result, err := rt.sessions.Process(ctx, sessionID, "", models.ChannelCLI, text)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			continue
		}
		// Streaming already printed the deltas; print the final answer
		// only when it arrived without streaming (noise replies).
		if result.IterationCount == 0 && result.Output != "" {
			fmt.Print(result.Output)
		}
		fmt.Println()
	}
	return scanner.Err()
}

func buildClassifyCmd() *cobra.Command {
	var channel string
	cmd := &cobra.Command{
		Use:   "classify <text>",
		Short: "Classify a message and print its signal as JSON",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runClassify(cmd.Context(), strings.Join(args, " "), channel)
		},
	}
	cmd.Flags().StringVarP(&channel, "channel", "c", "cli", "Channel the message arrived on")
	return cmd
}

func runClassify(ctx context.Context, text, channel string) error {
	filter := signals.NewFilter(signals.DefaultFilterConfig())
	verdict := filter.Check(ctx, "cli-classify", text)
	signal := signals.Classify(text, models.ChannelType(channel), verdict.Weight, time.Now())

	out := map[string]any{"signal": signal}
	if verdict.IsNoise {
		out["noise"] = true
		out["reason"] = verdict.Reason
	}
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(out)
}

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the runtime version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("osa %s\n", version)
		},
	}
}

func newLogger(debug bool) *slog.Logger {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
