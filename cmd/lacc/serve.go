package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/Plazide/local-ai-code-completion/internal/api"
	"github.com/Plazide/local-ai-code-completion/internal/config"
	"github.com/Plazide/local-ai-code-completion/internal/inserter"
	"github.com/Plazide/local-ai-code-completion/internal/ollama"
	"github.com/Plazide/local-ai-code-completion/internal/storage"
	"github.com/Plazide/local-ai-code-completion/internal/supervisor"
)

const shutdownTimeout = 5 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the editor bridge and supervise the inference service (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		withMCP, _ := cmd.Flags().GetBool("mcp")
		return runServer(withMCP)
	},
}

func init() {
	serveCmd.Flags().Bool("mcp", false, "also serve MCP over stdio")
}

func newLogger(cfg config.Config) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
}

// cliPrompter points the user at the manual download page.
type cliPrompter struct{}

func (cliPrompter) PromptInstall(_ context.Context, downloadURL string) {
	printWarning("Ollama is not installed. Download and install it from %s, then run \"lacc setup\".", downloadURL)
}

// pullProgress renders provisioning progress, one line per phase.
type pullProgress struct {
	status  string
	printed bool
}

func (p *pullProgress) update(pr supervisor.Progress) {
	if p.printed && pr.Status != p.status {
		fmt.Fprintln(stderr)
	}
	p.status = pr.Status
	p.printed = true
	printProgress(pr.Status, pr.Percent)
}

func (p *pullProgress) done() {
	if p.printed {
		fmt.Fprintln(stderr)
		p.printed = false
	}
}

func newSupervisor(ctx context.Context, cfg config.Config, client *ollama.Client, rec supervisor.ProvisionRecorder, logger *slog.Logger) *supervisor.Supervisor {
	return supervisor.New(ctx, supervisor.Deps{
		Binary:         cfg.Ollama.Binary,
		Model:          cfg.ModelID(),
		Backend:        client,
		ReadyMarker:    cfg.Ollama.ReadyMarker,
		ProbeTimeout:   cfg.Ollama.ProbeTimeout,
		MaxRestarts:    cfg.Ollama.MaxRestarts,
		RestartBackoff: cfg.Ollama.RestartBackoff,
		Notifier:       supervisor.NotifierFunc(func(msg string) { printStep("%s", msg) }),
		Prompter:       cliPrompter{},
		Recorder:       rec,
		Logger:         logger,
	})
}

func newCompleter(cfg config.Config, client *ollama.Client) inserter.OllamaCompleter {
	return inserter.OllamaCompleter{
		Client: client,
		Model:  cfg.ModelID(),
		Options: ollama.GenerateOptions{
			Temperature: cfg.Generation.Temperature,
			TopP:        cfg.Generation.TopP,
			NumPredict:  cfg.Generation.NumPredict,
		},
	}
}

func runServer(withMCP bool) error {
	printStep("lacc version %s", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)
	slog.SetDefault(logger)

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get("http://" + addr + "/health"); err == nil {
		resp.Body.Close()
		printWarning("lacc is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Warn("closing storage failed", "error", err)
		}
	}()

	client := ollama.New(cfg.Ollama.BaseURL)
	sup := newSupervisor(ctx, cfg, client, store, logger)
	defer sup.Close()

	completer := newCompleter(cfg, client)
	bridge := api.NewBridge(api.BridgeDeps{
		Service:     sup,
		Completer:   completer,
		History:     store,
		Recorder:    store,
		Timeout:     cfg.Generation.Timeout,
		Unit:        cfg.ColumnUnit(),
		Token:       cfg.Server.Token,
		CORSOrigins: cfg.Server.CORSOrigins,
		Logger:      logger,
	})
	defer bridge.Close()

	srv := &http.Server{
		Addr:              addr,
		Handler:           bridge.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		printStep("Preparing model %s", cfg.ModelID())
		progress := &pullProgress{}
		_, err := sup.Ready(gctx, progress.update)
		progress.done()
		if err != nil {
			if gctx.Err() != nil {
				return nil
			}
			// The bridge keeps serving and answers 503 until the service is ready.
			logger.Error("inference service not ready", "error", err)
			printError("%v", err)
			return nil
		}
		printSuccess("Model %s ready", cfg.ModelID())
		return nil
	})

	g.Go(func() error {
		logger.Info("editor bridge listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		printStep("shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		bridge.Close()
		return srv.Shutdown(shutdownCtx)
	})

	if withMCP {
		mcpSrv := api.NewMCPServer(api.MCPDeps{
			Service:   sup,
			Completer: completer,
			History:   store,
			Timeout:   cfg.Generation.Timeout,
			Unit:      cfg.ColumnUnit(),
			Version:   version,
		})
		stdioSrv := server.NewStdioServer(mcpSrv)
		g.Go(func() error {
			logger.Info("MCP server started (stdio transport)")
			if err := stdioSrv.Listen(gctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("MCP stdio server error", "error", err)
			}
			return nil
		})
	}

	return g.Wait()
}
