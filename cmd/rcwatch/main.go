package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/TobiSchelling/rcwatch/internal/cache"
	"github.com/TobiSchelling/rcwatch/internal/config"
	"github.com/TobiSchelling/rcwatch/internal/crawler"
	"github.com/TobiSchelling/rcwatch/internal/database"
	"github.com/TobiSchelling/rcwatch/internal/engine"
	"github.com/TobiSchelling/rcwatch/internal/feed"
	"github.com/TobiSchelling/rcwatch/internal/kv"
	"github.com/TobiSchelling/rcwatch/internal/prefix"
	"github.com/TobiSchelling/rcwatch/internal/pubsub"
	"github.com/TobiSchelling/rcwatch/internal/scrape"
	"github.com/TobiSchelling/rcwatch/internal/server"
)

var version = "dev"

var (
	verbose    bool
	configPath string
	cfg        *config.Config
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "rcwatch",
	Short:   "Wiki RecentChanges tracker",
	Long:    "rcwatch polls a wiki's RecentChanges page, stores every new change and serves the history over HTTP.",
	Version: version,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Skip config loading for init and version
		if cmd.Name() == "init" || cmd.Name() == "version" {
			setupLogging("INFO")
			return nil
		}

		path, err := config.ResolveConfigPath(configPath)
		if err != nil {
			return err
		}
		cfg, err = config.Load(path)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		setupLogging(cfg.LogLevel())
		slog.Debug("config loaded", "path", path)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to config file")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(crawlCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(topCmd)
	rootCmd.AddCommand(keywordsCmd)
}

func setupLogging(level string) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	if verbose {
		lvl = slog.LevelDebug
	}
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl, AddSource: verbose})
	slog.SetDefault(slog.New(handler))
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("rcwatch", version)
	},
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration in ~/.config/rcwatch/",
	RunE: func(cmd *cobra.Command, args []string) error {
		target := filepath.Join(config.ConfigDir(), "config.yaml")
		if _, err := os.Stat(target); err == nil {
			fmt.Printf("Config already exists: %s\n", target)
			return nil
		}

		if err := os.MkdirAll(config.ConfigDir(), 0o755); err != nil {
			return fmt.Errorf("creating config directory: %w", err)
		}

		if err := os.WriteFile(target, config.DefaultConfigYAML, 0o644); err != nil {
			return fmt.Errorf("writing config: %w", err)
		}

		fmt.Printf("Created config: %s\n", target)
		fmt.Println("Edit it to point source.base_url at your wiki.")
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show database status",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		stats, err := db.GetStats(cmd.Context())
		if err != nil {
			return fmt.Errorf("getting stats: %w", err)
		}

		fmt.Printf("Database: %s\n\n", db.Path())
		fmt.Println("Changes:")
		fmt.Printf("  Total stored: %d\n", stats.TotalEvents)
		fmt.Printf("  Articles: %d\n", stats.Articles)
		if stats.TotalEvents > 0 {
			fmt.Printf("  First: %s\n", formatEpoch(stats.FirstIngestedAt))
			fmt.Printf("  Last: %s\n", formatEpoch(stats.LastIngestedAt))
		}

		actions := make([]string, 0, len(stats.ByAction))
		for a := range stats.ByAction {
			actions = append(actions, string(a))
		}
		sort.Strings(actions)
		if len(actions) > 0 {
			fmt.Println("\nBy action:")
			for _, a := range actions {
				fmt.Printf("  %s: %d\n", a, stats.ByAction[feed.Action(a)])
			}
		}
		return nil
	},
}

// --- crawl command ---

var crawlCmd = &cobra.Command{
	Use:   "crawl",
	Short: "Poll the wiki and store new changes until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		eng, store, err := buildEngine(ctx, db)
		if err != nil {
			return err
		}
		defer store.Close()

		c, err := newCrawler(ctx, db, eng, nil)
		if err != nil {
			return err
		}
		return c.Run(ctx)
	},
}

// --- serve command ---

var (
	serveHost string
	servePort int
	noCrawl   bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the REST server, crawling in the same process",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if cmd.Flags().Changed("host") {
			cfg.Server.Host = serveHost
		}
		if cmd.Flags().Changed("port") {
			cfg.Server.Port = servePort
		}
		// Without a crawler of its own the cache is only kept current by
		// another process, which must reach the same keyspace.
		if noCrawl && cfg.Redis.Addr == "" {
			return errors.New("serve --no-crawl needs redis.addr shared with the crawl process")
		}

		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		eng, store, err := buildEngine(ctx, db)
		if err != nil {
			return err
		}
		defer store.Close()

		hub := pubsub.New(cfg.PubSub.Buffer, slog.Default())
		defer hub.Close()

		srv, err := server.New(eng, hub, server.Options{
			PollMaxLimit: cfg.Server.PollMaxLimit,
			PrefixLimit:  cfg.Server.PrefixLimit,
			Logger:       slog.Default(),
		})
		if err != nil {
			return err
		}

		crawlDone := make(chan error, 1)
		if noCrawl {
			close(crawlDone)
		} else {
			c, err := newCrawler(ctx, db, eng, hub)
			if err != nil {
				return err
			}
			go func() { crawlDone <- c.Run(ctx) }()
		}

		serveErr := srv.Serve(ctx, cfg.Addr())
		stop()
		if err := <-crawlDone; err != nil {
			slog.Error("crawler stopped with error", "error", err)
		}
		return serveErr
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveHost, "host", "127.0.0.1", "Host to bind")
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 8000, "Port to run server on")
	serveCmd.Flags().BoolVar(&noCrawl, "no-crawl", false, "Serve changes crawled by a separate process sharing redis.addr")
}

// --- top command ---

var topLimit int

var topCmd = &cobra.Command{
	Use:   "top",
	Short: "List the most recent stored changes",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		events, err := db.Query(cmd.Context(), feed.Range{Limit: topLimit, Desc: true})
		if err != nil {
			return fmt.Errorf("querying changes: %w", err)
		}
		if len(events) == 0 {
			fmt.Println("No changes stored yet. Run 'rcwatch crawl' first.")
			return nil
		}
		for _, e := range events {
			seq := ""
			if e.EditSeq != nil {
				seq = fmt.Sprintf(" #%d", *e.EditSeq)
			}
			fmt.Printf("%s  %-7s %s%s by %s\n", formatEpoch(e.IngestedAt), e.Action, e.Article, seq, e.Author)
		}
		return nil
	},
}

func init() {
	topCmd.Flags().IntVarP(&topLimit, "limit", "n", 10, "Number of changes to show")
}

// --- keywords command ---

var keywordsCmd = &cobra.Command{
	Use:   "keywords <prefix>",
	Short: "Search stored article names by prefix",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		eng, store, err := buildEngine(cmd.Context(), db)
		if err != nil {
			return err
		}
		defer store.Close()

		entries, err := eng.QueryPrefix(cmd.Context(), args[0], cfg.Server.PrefixLimit)
		if err != nil {
			return err
		}
		for _, e := range entries {
			fmt.Println(e)
		}
		return nil
	},
}

// buildEngine connects the keyspace, wires the cache and the prefix index
// over it and db, and warms them from the stored history.
func buildEngine(ctx context.Context, db *database.DB) (*engine.Engine, *kv.Store, error) {
	logger := slog.Default()
	store, err := kv.Open(ctx, kv.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.RedisPassword(),
		DB:       cfg.Redis.DB,
		Logger:   logger,
	})
	if err != nil {
		return nil, nil, err
	}
	if !store.Shared() {
		logger.Info("using an embedded keyspace private to this process; set redis.addr to share it")
	}

	c := cache.New(store, cfg.Cache.Size,
		cache.WithMaxRetries(cfg.Cache.MaxRetries), cache.WithLogger(logger))
	ix := prefix.New(store,
		prefix.WithMaxRetries(cfg.Cache.MaxRetries), prefix.WithLogger(logger))

	eng := engine.New(db, c, ix, logger)
	if err := eng.Warm(ctx); err != nil {
		store.Close()
		return nil, nil, err
	}
	return eng, store, nil
}

func newCrawler(ctx context.Context, db *database.DB, eng *engine.Engine, hub *pubsub.Hub) (*crawler.Crawler, error) {
	stats, err := db.GetStats(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading last stamp: %w", err)
	}

	opts := []crawler.Option{
		crawler.WithInterval(cfg.Crawl.Interval),
		crawler.WithLogger(slog.Default()),
	}
	if stats.TotalEvents > 0 {
		opts = append(opts, crawler.WithFloor(stats.LastIngestedAt))
	}
	if hub != nil {
		opts = append(opts, crawler.WithPublisher(hub))
	}
	return crawler.New(newSource(), eng, opts...), nil
}

func newSource() crawler.Source {
	opts := scrape.Options{
		BaseURL:        cfg.Source.BaseURL,
		UserAgent:      cfg.Source.UserAgent,
		AcceptLanguage: cfg.Source.AcceptLanguage,
		Timeout:        cfg.Source.Timeout,
		Logger:         slog.Default(),
	}
	if cfg.Source.Kind == "rss" {
		return scrape.NewRSSSource(opts)
	}
	return scrape.NewHTMLSource(opts)
}

func formatEpoch(t float64) string {
	sec := int64(t)
	nsec := int64((t - float64(sec)) * float64(time.Second))
	return time.Unix(sec, nsec).Format("2006-01-02 15:04:05")
}

func openDB() (*database.DB, error) {
	if err := os.MkdirAll(cfg.GetDataDir(), 0o755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}
	return database.Open(cfg.DBPath())
}
