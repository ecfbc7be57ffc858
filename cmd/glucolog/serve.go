package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"glucolog/internal/extraction"
	"glucolog/internal/server"
	"glucolog/internal/store"
)

var listenAddr string

// serveCmd runs the websocket server
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the glucolog websocket server",
	Long: `Starts the AI/persistence collaborator: a websocket endpoint at /ws
that extracts readings from chat, asks for confirmation, persists confirmed
readings in SQLite, and serves history and statistics snapshots.

Requires a Gemini API key (GEMINI_API_KEY or llm.api_key in the config).`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&listenAddr, "listen", "", "Listen address (overrides config)")
}

func runServe(cmd *cobra.Command, args []string) error {
	if listenAddr != "" {
		cfg.Server.ListenAddr = listenAddr
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	st, err := store.Open(cfg.Server.DatabasePath)
	if err != nil {
		return fmt.Errorf("opening reading store: %w", err)
	}
	defer st.Close()

	agent, err := extraction.NewGeminiAgent(cmd.Context(), cfg.LLM.APIKey, cfg.LLM.Model)
	if err != nil {
		return fmt.Errorf("creating extraction agent: %w", err)
	}

	srv := server.New(st, agent, server.WithWriteTimeout(cfg.GetWriteTimeout()))

	mux := http.NewServeMux()
	mux.Handle("/ws", srv)

	httpSrv := &http.Server{
		Addr:    cfg.Server.ListenAddr,
		Handler: mux,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("glucolog server listening",
			zap.String("addr", cfg.Server.ListenAddr),
			zap.String("db", cfg.Server.DatabasePath),
			zap.String("model", cfg.LLM.Model))
		if err := httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		logger.Info("shutting down", zap.String("signal", sig.String()))
	}

	srv.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return httpSrv.Shutdown(ctx)
}
