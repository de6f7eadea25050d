// Command simplemem runs the SimpleMem daemon: the memory engine, the
// cross-session orchestrator, and the MCP + REST transports, all
// behind one echo HTTP server.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/simplemem/simplemem/internal/answerer"
	"github.com/simplemem/simplemem/internal/auth"
	"github.com/simplemem/simplemem/internal/compressor"
	"github.com/simplemem/simplemem/internal/config"
	"github.com/simplemem/simplemem/internal/consolidator"
	"github.com/simplemem/simplemem/internal/engine"
	"github.com/simplemem/simplemem/internal/httpapi"
	"github.com/simplemem/simplemem/internal/injector"
	"github.com/simplemem/simplemem/internal/mcpserver"
	"github.com/simplemem/simplemem/internal/planner"
	"github.com/simplemem/simplemem/internal/provider"
	"github.com/simplemem/simplemem/internal/redact"
	"github.com/simplemem/simplemem/internal/retriever"
	"github.com/simplemem/simplemem/internal/session"
	"github.com/simplemem/simplemem/internal/store"
	"github.com/simplemem/simplemem/internal/synthesizer"
)

var version = "dev"

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "simplemem: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger, err := initLogger()
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting simplemem", zap.String("version", version), zap.Int("port", cfg.Port))

	encKey, err := auth.DecodeEncryptionKey(cfg.EncryptionKey)
	if err != nil {
		return err
	}
	authSvc, err := auth.New([]byte(cfg.JWTSecretKey.Value()), encKey, cfg.JWTExpiration(), logger)
	if err != nil {
		return err
	}

	gw, err := provider.New(provider.Config{
		Provider: cfg.LLMProvider,
		BaseURL: cfg.LLMBaseURL,
		ChatModel: cfg.LLMModel,
		EmbeddingModel: cfg.EmbeddingModel,
		EmbeddingDim: cfg.EmbeddingDim,
	}, logger)
	if err != nil {
		return fmt.Errorf("init provider gateway: %w", err)
	}

	st, err := store.New(cfg.VectorDBPath, logger)
	if err != nil {
		return fmt.Errorf("init store: %w", err)
	}

	comp := compressor.New(gw, logger)
	synth := synthesizer.New(gw, st, logger)
	pl := planner.New(gw, logger)
	ret := retriever.New(st, gw, logger)
	ans := answerer.New(gw, logger)
	eng := engine.New(st, comp, synth, pl, ret, ans, logger)

	inj, err := injector.New(pl, ret, cfg.ContextBudgetTokens, logger)
	if err != nil {
		return fmt.Errorf("init context injector: %w", err)
	}

	redactor, err := redact.New(redact.DefaultConfig())
	if err != nil {
		return fmt.Errorf("init redactor: %w", err)
	}
	sm := session.New(gw, redactor, comp, synth, inj, logger)
	inj.SetSummarySource(sm)

	cons := consolidator.New(st, synth, consolidator.Config{CronSpec: cfg.ConsolidatorCronSpec}, st.TenantIDs, logger)
	cons.Start()
	defer cons.Stop()

	e := echo.New()
	e.HideBanner = true
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	httpapi.New(authSvc, httpapi.ServerInfo{
		Version: version,
		EmbeddingDim: cfg.EmbeddingDim,
		LLMProvider: cfg.LLMProvider,
	}, logger).Register(e)

	mcpserver.New(eng, sm, authSvc, logger).Register(e)

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	srv := &http.Server{Addr: addr, Handler: e}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("listening", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func initLogger() (*zap.Logger, error) {
	if os.Getenv("ENVIRONMENT") == "production" {
		return zap.NewProduction()
	}
	return zap.NewDevelopment()
}
