package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/user/chatrelay/internal/scheduler"
	"github.com/user/chatrelay/internal/session"
	"github.com/user/chatrelay/internal/telegram"
	"github.com/user/chatrelay/internal/transcript"
	"github.com/user/chatrelay/internal/webhook"
	"github.com/user/chatrelay/pkg/llm"
	"github.com/user/chatrelay/pkg/llm/openai"
)

func init() {
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the relay daemon",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	setupLogging(cfg)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	counter, err := transcript.NewTiktokenCounter(cfg.Context.Encoding)
	if err != nil {
		return fmt.Errorf("create token counter: %w", err)
	}
	buffer := transcript.NewBuffer(counter, cfg.Context.MaxTurns, cfg.Context.MaxTokens, cfg.Context.Preamble)
	renderer := transcript.NewRenderer(cfg.Context.UserLabel, cfg.Context.AssistantLabel)

	provider := openai.New(&llm.Config{
		BaseURL:        cfg.Backend.BaseURL,
		APIKey:         cfg.Backend.APIKey,
		Model:          cfg.Backend.Model,
		RequestTimeout: time.Duration(cfg.Backend.TimeoutSeconds) * time.Second,
	})

	transport := telegram.New(cfg.Telegram.Token, cfg.Telegram.PollTimeoutSeconds)

	var stop []string
	if len(cfg.Sampling.Stop) > 0 {
		stop = cfg.Sampling.Stop
	}

	loop := session.New(transport, provider, buffer, renderer, session.Options{
		Room:           strconv.FormatInt(cfg.Telegram.ChatID, 10),
		RequireMention: cfg.Telegram.RequireMention,
		MaxPending:     cfg.Session.MaxPending,
		Backoff: session.Backoff{
			Initial:    time.Duration(cfg.Session.BackoffInitialMS) * time.Millisecond,
			Multiplier: cfg.Session.BackoffMultiplier,
			Max:        time.Duration(cfg.Session.BackoffMaxMS) * time.Millisecond,
		},
		FailureNotice: cfg.Session.FailureNotice,
		ShutdownGrace: time.Duration(cfg.Session.ShutdownGraceMS) * time.Millisecond,
		MaxTokens:     cfg.Sampling.MaxTokens,
		Temperature:   cfg.Sampling.Temperature,
		Stop:          stop,
	}, slog.Default())

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return loop.Run(ctx)
	})

	tasks := make([]scheduler.Task, 0, len(cfg.Tasks))
	for _, t := range cfg.Tasks {
		tasks = append(tasks, scheduler.Task{Name: t.Name, Schedule: t.Schedule, Prompt: t.Prompt})
	}

	sched := scheduler.New(tasks, func(name, prompt string) {
		if err := loop.Inject("task:"+name, prompt); err != nil {
			slog.Error("scheduled prompt dropped", "name", name, "error", err)
		}
	})
	if err := sched.Start(); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	defer sched.Stop()

	if cfg.HTTP.Enabled {
		srv := &http.Server{
			Addr:    cfg.HTTP.Listen,
			Handler: webhook.NewServer(tasks, loop.Inject),
		}
		g.Go(func() error {
			slog.Info("webhook server started", "listen", cfg.HTTP.Listen)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			return srv.Close()
		})
	}

	slog.Info("chatrelay started",
		"room", cfg.Telegram.ChatID,
		"require_mention", cfg.Telegram.RequireMention,
		"backend", cfg.Backend.BaseURL,
		"model", cfg.Backend.Model,
		"max_turns", cfg.Context.MaxTurns,
		"max_context_tokens", cfg.Context.MaxTokens,
	)

	return g.Wait()
}
