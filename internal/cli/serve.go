package cli

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"dealscout/internal/api"
	"dealscout/internal/auth"
	"dealscout/internal/observability"
	"dealscout/internal/service/assistant"
	"dealscout/internal/service/marketplace"
	"dealscout/internal/service/shopping"
	"dealscout/internal/worker"
)

const shutdownTimeout = 30 * time.Second

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	Long: `Run the chat API.

Anonymous clients use POST /chat and carry their history with every request.
Registered users chat on POST /api/chat and their conversations are stored.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address (overrides basic_config.server_address)")
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := openDatabase()
	if err != nil {
		return err
	}
	defer db.Close()
	cache := openCache()
	defer cache.Close()

	store := assistant.NewService(db).WithHistoryCache(cache, cfg.BasicConfig.HistoryCacheTTLDuration())
	authService := auth.NewService(db, cache, cfg.BasicConfig.TokenTTLDuration())

	searchers, err := newSearchers()
	if err != nil {
		return err
	}
	orchestrator, err := newOrchestrator(ctx, db, store, searchers)
	if err != nil {
		return err
	}
	defer orchestrator.Wait()

	dispatcher := worker.NewDispatcher(worker.Config{
		MinWorkers:  cfg.BasicConfig.MinWorkers,
		MaxWorkers:  cfg.BasicConfig.MaxWorkers,
		QueueSize:   cfg.BasicConfig.QueueSize,
		IdleTimeout: time.Duration(cfg.BasicConfig.WorkerIdleTimeout) * time.Minute,
	})
	defer dispatcher.Stop()

	handlers := api.NewHandler(store, authService, orchestrator, dispatcher).WithCache(cache)
	router := gin.New()
	router.Use(gin.Recovery(), observability.RequestLogger())
	handlers.RegisterRoutes(router)

	addr := serveAddr
	if addr == "" {
		addr = cfg.BasicConfig.ServerAddress
	}
	if addr == "" {
		addr = ":8090"
	}
	srv := &http.Server{Addr: addr, Handler: router}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("starting dealscout", "addr", addr, "database", cfg.BasicConfig.Database)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server stopped: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// newOrchestrator wires the assistant, verifier, marketplaces and memory.
// store may be nil for stateless use.
func newOrchestrator(ctx context.Context, db *sql.DB, store *assistant.Service, searchers []marketplace.Searcher) (*shopping.Orchestrator, error) {
	chat, err := newAssistant(ctx)
	if err != nil {
		return nil, err
	}
	verifier, err := newVerifier(ctx, chat)
	if err != nil {
		return nil, err
	}

	opts := shopping.Options{
		ResultLimit:   cfg.BasicConfig.ResultLimitOrDefault(),
		MemoryTopK:    cfg.Memory.TopK,
		LLMTimeout:    cfg.BasicConfig.LLMTimeoutDuration(),
		SearchTimeout: cfg.BasicConfig.SearchTimeoutDuration(),
	}
	if verifier != nil {
		opts.Verifier = verifier
	}
	if store != nil {
		opts.Store = store
		opts.Titler = chat
		mem, err := newMemory(db)
		if err != nil {
			return nil, err
		}
		if mem != nil {
			opts.Memory = mem
		}
	}
	return shopping.NewOrchestrator(chat, searchers, opts), nil
}
