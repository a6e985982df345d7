// CLAUDE:SUMMARY groundkeeper CLI: HTTP and MCP servers plus one-shot discovery, upload, review and prompt commands.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/urfave/cli/v2"
	_ "modernc.org/sqlite"

	"github.com/hazyhaar/groundkeeper/capability"
	"github.com/hazyhaar/groundkeeper/capability/fake"
	"github.com/hazyhaar/groundkeeper/capability/llm"
	"github.com/hazyhaar/groundkeeper/dbopen"
	"github.com/hazyhaar/groundkeeper/embedcache"
	"github.com/hazyhaar/groundkeeper/keeper"
	"github.com/hazyhaar/groundkeeper/kit"
)

func main() {
	app := &cli.App{
		Name:  "groundkeeper",
		Usage: "Ground a chat assistant in a website and its behavior documents",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "db", Usage: "SQLite database path", Value: "data/groundkeeper.db", EnvVars: []string{"GROUNDKEEPER_DB"}},
			&cli.StringFlag{Name: "config", Usage: "YAML config file", EnvVars: []string{"GROUNDKEEPER_CONFIG"}},
			&cli.StringFlag{Name: "llm-url", Usage: "OpenAI-compatible API base URL", Value: "http://localhost:11434/v1", EnvVars: []string{"LLM_BASE_URL"}},
			&cli.StringFlag{Name: "llm-token", Usage: "API token", EnvVars: []string{"LLM_TOKEN"}},
			&cli.StringFlag{Name: "model", Usage: "Classification model", Value: "qwen2.5:7b", EnvVars: []string{"LLM_MODEL"}},
			&cli.StringFlag{Name: "embed-model", Usage: "Embedding model", Value: "nomic-embed-text", EnvVars: []string{"EMBED_MODEL"}},
			&cli.StringFlag{Name: "embed-cache", Usage: "Badger directory for cached embeddings, empty for in-memory", EnvVars: []string{"EMBED_CACHE_DIR"}},
			&cli.DurationFlag{Name: "capability-timeout", Usage: "Bound on each model call (default 30s)", EnvVars: []string{"CAPABILITY_TIMEOUT"}},
			&cli.Float64Flag{Name: "price-prompt", Usage: "Cost per 1K prompt tokens", EnvVars: []string{"PRICE_PROMPT_PER_1K"}},
			&cli.Float64Flag{Name: "price-completion", Usage: "Cost per 1K completion tokens", EnvVars: []string{"PRICE_COMPLETION_PER_1K"}},
			&cli.BoolFlag{Name: "offline", Usage: "Use the deterministic local capability instead of a model API"},
			&cli.StringFlag{Name: "log-level", Aliases: []string{"l"}, Usage: "debug, info, warn or error", Value: "info", EnvVars: []string{"LOG_LEVEL"}},
			&cli.StringFlag{Name: "actor", Usage: "Operator identity recorded in the audit log", EnvVars: []string{"GROUNDKEEPER_ACTOR"}},
		},
		Before: setupLogger,
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "Run the HTTP API with the extraction pool and maintenance schedule",
				Action: serveCommand,
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "addr", Value: ":8085", EnvVars: []string{"GROUNDKEEPER_ADDR"}},
				},
			},
			{
				Name:   "mcp",
				Usage:  "Serve the MCP tools over stdio",
				Action: mcpCommand,
			},
			{
				Name:   "connect",
				Usage:  "Register a website",
				Action: connectCommand,
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "url", Required: true},
				},
			},
			{
				Name:   "discover",
				Usage:  "Queue URLs or a sitemap, fetch them and index their knowledge",
				Action: discoverCommand,
				Flags: []cli.Flag{
					connectionFlag(),
					&cli.StringSliceFlag{Name: "url"},
					&cli.StringFlag{Name: "sitemap"},
				},
			},
			{
				Name:      "upload",
				Usage:     "Upload a behavior document and classify it",
				ArgsUsage: "<file>",
				Action:    uploadCommand,
				Flags:     []cli.Flag{connectionFlag()},
			},
			{
				Name:   "review",
				Usage:  "Accept or reject a pending suggestion",
				Action: reviewCommand,
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "suggestion", Required: true},
					&cli.StringFlag{Name: "decision", Required: true, Usage: "accept or reject"},
					&cli.StringFlag{Name: "reviewer", Required: true},
					&cli.StringFlag{Name: "notes"},
				},
			},
			{
				Name:   "reset-gate",
				Usage:  "Restore a connection's confidence gate",
				Action: resetGateCommand,
				Flags:  []cli.Flag{connectionFlag()},
			},
			{
				Name:      "ask",
				Usage:     "Print the grounded prompt for a question",
				ArgsUsage: "<question>",
				Action:    askCommand,
				Flags:     []cli.Flag{connectionFlag()},
			},
			{
				Name:   "status",
				Usage:  "Show a connection's profile, gate and queues",
				Action: statusCommand,
				Flags:  []cli.Flag{connectionFlag()},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		slog.Error("groundkeeper: fatal", "error", err)
		os.Exit(1)
	}
}

func connectionFlag() cli.Flag {
	return &cli.StringFlag{Name: "connection", Aliases: []string{"c"}, Required: true}
}

func setupLogger(c *cli.Context) error {
	var lvl slog.Level
	switch strings.ToLower(c.String("log-level")) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	// stdout carries command output and the MCP protocol.
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})))
	return nil
}

// deps bundles what every command opens.
type deps struct {
	svc     *keeper.Service
	closers []func() error
}

func (a *deps) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	return errors.Join(errs...)
}

func open(c *cli.Context) (*deps, error) {
	logger := slog.Default()
	a := &deps{}

	cfg := &keeper.Config{}
	if path := c.String("config"); path != "" {
		loaded, err := keeper.LoadConfigFile(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	db, err := dbopen.Open(c.String("db"), dbopen.WithMkdirAll())
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, db.Close)

	capab, err := buildCapability(c, a, logger)
	if err != nil {
		a.Close()
		return nil, err
	}
	if d := c.Duration("capability-timeout"); d > 0 {
		cfg.Capability.Timeout = d
	}
	if c.IsSet("price-prompt") {
		cfg.Capability.Pricing.PromptPer1K = c.Float64("price-prompt")
	}
	if c.IsSet("price-completion") {
		cfg.Capability.Pricing.CompletionPer1K = c.Float64("price-completion")
	}
	capab = keeper.Meter(capab, db, cfg, logger)

	a.svc, err = keeper.New(db, capab, cfg, logger)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.closers = append(a.closers, a.svc.Close)
	return a, nil
}

func buildCapability(c *cli.Context, a *deps, logger *slog.Logger) (capability.Capability, error) {
	if c.Bool("offline") {
		logger.Warn("groundkeeper: offline capability, classifications are canned")
		return &fake.Capability{Dim: 256}, nil
	}
	client, err := llm.New(llm.Config{
		BaseURL:        c.String("llm-url"),
		Token:          c.String("llm-token"),
		Model:          c.String("model"),
		EmbeddingModel: c.String("embed-model"),
	}, logger)
	if err != nil {
		return nil, err
	}

	cacheDB, err := embedcache.Open(c.String("embed-cache"), logger)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, cacheDB.Close)
	cached := embedcache.New(cacheDB, client,
		embedcache.WithNamespace(c.String("embed-model")),
		embedcache.WithLogger(logger))
	return capability.Split(client, cached), nil
}

// commandContext cancels on SIGINT/SIGTERM and carries the CLI actor.
func commandContext(c *cli.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	ctx = kit.WithTransport(ctx, "cli")
	if actor := c.String("actor"); actor != "" {
		ctx = kit.WithActor(ctx, actor)
	}
	return ctx, cancel
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func serveCommand(c *cli.Context) error {
	ctx, cancel := commandContext(c)
	defer cancel()
	a, err := open(c)
	if err != nil {
		return err
	}
	defer a.Close()
	a.svc.Start(ctx)

	srv := &http.Server{
		Addr:              c.String("addr"),
		Handler:           a.svc.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		slog.Info("groundkeeper: listening", "addr", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
	}
	shutdownCtx, stop := context.WithTimeout(context.Background(), 15*time.Second)
	defer stop()
	return srv.Shutdown(shutdownCtx)
}

func mcpCommand(c *cli.Context) error {
	ctx, cancel := commandContext(c)
	defer cancel()
	a, err := open(c)
	if err != nil {
		return err
	}
	defer a.Close()
	a.svc.Start(ctx)

	srv := mcp.NewServer(&mcp.Implementation{Name: "groundkeeper", Version: "0.1.0"}, nil)
	a.svc.RegisterMCP(srv)
	slog.Info("groundkeeper: mcp on stdio")
	if err := srv.Run(ctx, &mcp.StdioTransport{}); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

func connectCommand(c *cli.Context) error {
	ctx, cancel := commandContext(c)
	defer cancel()
	a, err := open(c)
	if err != nil {
		return err
	}
	defer a.Close()
	conn, err := a.svc.CreateConnection(ctx, c.String("url"), nil)
	if err != nil {
		return err
	}
	return printJSON(conn)
}

func discoverCommand(c *cli.Context) error {
	ctx, cancel := commandContext(c)
	defer cancel()
	a, err := open(c)
	if err != nil {
		return err
	}
	defer a.Close()
	conn := c.String("connection")

	if urls := c.StringSlice("url"); len(urls) > 0 {
		res, err := a.svc.EnqueueDiscovery(ctx, conn, urls, "")
		if err != nil {
			return err
		}
		slog.Info("groundkeeper: urls queued", "added", res.Added, "skipped", res.Skipped, "invalid", len(res.Invalid))
	}
	if sm := c.String("sitemap"); sm != "" {
		res, err := a.svc.ExpandSitemap(ctx, conn, sm)
		if err != nil {
			return err
		}
		slog.Info("groundkeeper: sitemap expanded", "added", res.Added, "skipped", res.Skipped)
	}

	run, err := a.svc.RunDiscovery(ctx, conn)
	if err != nil {
		return err
	}
	n, err := a.svc.DrainExtractions(ctx)
	if err != nil {
		return err
	}
	return printJSON(map[string]any{"discovery": run, "extractions": n})
}

func uploadCommand(c *cli.Context) error {
	if c.NArg() != 1 {
		return cli.Exit("upload takes exactly one file", 2)
	}
	path := c.Args().First()
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	ctx, cancel := commandContext(c)
	defer cancel()
	a, err := open(c)
	if err != nil {
		return err
	}
	defer a.Close()

	up, err := a.svc.EnqueueDocument(ctx, c.String("connection"), filepath.Base(path), data)
	if err != nil {
		return err
	}
	if _, err := a.svc.DrainExtractions(ctx); err != nil {
		return err
	}
	pending, err := a.svc.ListSuggestions(ctx, c.String("connection"), "PENDING")
	if err != nil {
		return err
	}
	return printJSON(map[string]any{"upload": up, "pending_suggestions": pending})
}

func reviewCommand(c *cli.Context) error {
	ctx, cancel := commandContext(c)
	defer cancel()
	a, err := open(c)
	if err != nil {
		return err
	}
	defer a.Close()
	reviewer := c.String("reviewer")
	res, err := a.svc.ReviewSuggestion(kit.WithActor(ctx, reviewer), c.String("suggestion"),
		c.String("decision"), reviewer, c.String("notes"))
	if err != nil {
		return err
	}
	return printJSON(res)
}

func resetGateCommand(c *cli.Context) error {
	ctx, cancel := commandContext(c)
	defer cancel()
	a, err := open(c)
	if err != nil {
		return err
	}
	defer a.Close()
	d, err := a.svc.ResetConfidenceGate(ctx, c.String("connection"))
	if err != nil {
		return err
	}
	return printJSON(d)
}

func askCommand(c *cli.Context) error {
	if c.NArg() == 0 {
		return cli.Exit("ask needs a question", 2)
	}
	ctx, cancel := commandContext(c)
	defer cancel()
	a, err := open(c)
	if err != nil {
		return err
	}
	defer a.Close()
	gp, err := a.svc.RetrieveGroundedPrompt(ctx, c.String("connection"), strings.Join(c.Args().Slice(), " "))
	if err != nil {
		return err
	}
	fmt.Fprint(os.Stdout, gp.PromptText)
	return nil
}

func statusCommand(c *cli.Context) error {
	ctx, cancel := commandContext(c)
	defer cancel()
	a, err := open(c)
	if err != nil {
		return err
	}
	defer a.Close()
	st, err := a.svc.Status(ctx, c.String("connection"))
	if err != nil {
		return err
	}
	return printJSON(st)
}
