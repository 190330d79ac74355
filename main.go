// Command live-herald watches tracked creators on Twitch, YouTube and TikTok
// and announces when they go live. It:
//   - Loads configuration and initializes structured logging.
//   - Connects to Postgres and runs versioned migrations.
//   - Builds the platform adapters over a shared TTL cache and backoff ledger.
//   - Runs the tick scheduler plus housekeeping tasks (ledger sweep,
//     follower refresh, orphaned message cleanup).
//   - Exposes /healthz, /readyz, /status and /metrics.
//
// Shutdown is graceful on SIGINT/SIGTERM.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/onnwee/live-herald/config"
	"github.com/onnwee/live-herald/db"
	"github.com/onnwee/live-herald/discord"
	"github.com/onnwee/live-herald/followers"
	"github.com/onnwee/live-herald/gamelink"
	"github.com/onnwee/live-herald/ledger"
	"github.com/onnwee/live-herald/live"
	"github.com/onnwee/live-herald/livecheck"
	"github.com/onnwee/live-herald/notify"
	"github.com/onnwee/live-herald/scheduler"
	"github.com/onnwee/live-herald/scrape"
	"github.com/onnwee/live-herald/server"
	"github.com/onnwee/live-herald/telemetry"
	"github.com/onnwee/live-herald/tiktok"
	"github.com/onnwee/live-herald/twitchapi"
	"github.com/onnwee/live-herald/youtubeapi"
)

func main() {
	// Load .env file if present (local dev convenience only; production relies on real env)
	_ = godotenv.Load()

	setupLogging()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}

	telemetry.Init()

	// Initialize OpenTelemetry tracing (optional; requires OTEL_EXPORTER_OTLP_ENDPOINT)
	shutdownTracing, err := telemetry.InitTracing("live-herald", "1.0.0")
	if err != nil {
		slog.Error("tracing initialization failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer shutdownTracing()

	database, err := db.Connect(cfg.DBDsn)
	if err != nil {
		slog.Error("failed to open db", slog.Any("err", err))
		os.Exit(1)
	}
	defer func() {
		if err := database.Close(); err != nil {
			slog.Error("failed to close database", slog.Any("err", err))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	slog.Info("running database migrations", slog.String("component", "db_migrate"))
	if err := db.Migrate(ctx, database); err != nil {
		slog.Error("failed to migrate db", slog.Any("err", err))
		os.Exit(1)
	}
	store := db.NewStore(database, slog.Default().With(slog.String("component", "store")))

	// Shared cache and backoff ledger
	led := ledger.NewStore(cfg.LedgerMaxEntries)
	clock := ledger.SystemClock
	scraper := scrape.New(slog.Default().With(slog.String("component", "scrape")))
	follow := followers.New(ledger.NewCache(led, "followers", clock), slog.Default().With(slog.String("component", "followers")))

	probers := map[live.Platform]live.Prober{}

	if cfg.TwitchEnabled() {
		helix := &twitchapi.HelixClient{
			AppTokenSource: &twitchapi.TokenSource{ClientID: cfg.TwitchClientID, ClientSecret: cfg.TwitchClientSecret},
			ClientID:       cfg.TwitchClientID,
		}
		tw := &twitchapi.Adapter{
			Helix:      helix,
			Users:      ledger.NewCache(led, "twitch_users", clock),
			Followers:  follow,
			RateLimits: ledger.NewBackoff(led, "twitch_rate_limits", ledger.RateLimitSchedule),
			Clock:      clock,
			Logger:     slog.Default().With(slog.String("component", "twitch")),
		}
		probers[live.PlatformTwitch] = tw
		follow.Register(live.PlatformTwitch, tw)
	} else {
		slog.Info("twitch adapter disabled (missing TWITCH_CLIENT_ID/TWITCH_CLIENT_SECRET)")
	}

	yt := &youtubeapi.Adapter{
		Hints: &youtubeapi.HintFetcher{
			Scraper: scraper,
			Cache:   ledger.NewCache(led, "youtube_hints", clock),
			Logger:  slog.Default().With(slog.String("component", "youtube")),
		},
		Channels: ledger.NewCache(led, "youtube_channels", clock),
		Quota:    ledger.NewBackoff(led, "youtube_quota", ledger.QuotaSchedule),
		Clock:    clock,
		Logger:   slog.Default().With(slog.String("component", "youtube")),
	}
	if cfg.YTAPIKey != "" {
		data, err := youtubeapi.NewDataClient(ctx, cfg.YTAPIKey)
		if err != nil {
			slog.Error("youtube data client init failed", slog.Any("err", err))
			os.Exit(1)
		}
		yt.Data = data
		follow.Register(live.PlatformYouTube, yt)
	} else {
		slog.Info("youtube data api disabled (missing YT_API_KEY); page hints only")
	}
	probers[live.PlatformYouTube] = yt

	tt := &tiktok.Adapter{
		Scraper:   scraper,
		Backoff:   ledger.NewBackoff(led, "tiktok_blocks", ledger.BlockSchedule),
		Followers: follow,
		Clock:     clock,
		Logger:    slog.Default().With(slog.String("component", "tiktok")),
	}
	probers[live.PlatformTikTok] = tt
	follow.Register(live.PlatformTikTok, tt)

	// Delivery
	var messenger notify.Messenger = &notify.LogMessenger{Logger: slog.Default().With(slog.String("component", "messenger"))}
	if cfg.DiscordEnabled() {
		m, err := discord.New(cfg.DiscordBotToken, cfg.DiscordGuildID, cfg.DiscordLiveRoleID, slog.Default().With(slog.String("component", "discord")))
		if err != nil {
			slog.Error("discord init failed", slog.Any("err", err))
			os.Exit(1)
		}
		messenger = m
	} else {
		slog.Info("discord disabled (missing DISCORD_BOT_TOKEN); notifications are logged only")
	}

	dispatcher := &notify.Dispatcher{
		Store:       store,
		Subs:        store,
		Messenger:   messenger,
		SendTimeout: cfg.SendTimeout,
		RetryDelay:  time.Second,
		Logger:      slog.Default().With(slog.String("component", "notify")),
	}
	finder := &gamelink.Finder{
		Scraper:      scraper,
		Cache:        ledger.NewCache(led, "gamelinks", clock),
		BaseURL:      cfg.GameLinkBaseURL,
		AffiliateTag: cfg.GameLinkAffiliateTag,
		Logger:       slog.Default().With(slog.String("component", "gamelink")),
	}
	if finder.Enabled() {
		dispatcher.Links = finder
	}

	pipeline := &livecheck.Pipeline{
		Probers:    probers,
		Store:      store,
		Dispatcher: dispatcher,
		Limiters:   livecheck.NewLimiters(cfg.PlatformRates),
		Location:   cfg.Timezone,
		Clock:      clock,
		Logger:     slog.Default().With(slog.String("component", "livecheck")),
	}
	sched := &scheduler.Scheduler{
		Catalog:    store,
		Runner:     pipeline,
		Workers:    cfg.Workers,
		JobTimeout: cfg.JobTimeout,
		Interval:   cfg.TickInterval,
		Heartbeat:  store,
		Clock:      clock,
		Logger:     slog.Default().With(slog.String("component", "scheduler")),
	}

	maintenance := scheduler.StartMaintenance(ctx, slog.Default().With(slog.String("component", "maintenance")),
		scheduler.Task{Name: "ledger_sweep", Interval: cfg.CleanupInterval, Run: func(context.Context) error {
			if n := led.Sweep(clock.Now()); n > 0 {
				slog.Debug("ledger swept", slog.Int("expired", n))
			}
			return nil
		}},
		scheduler.Task{Name: "follower_refresh", Interval: cfg.FollowerRefresh, Run: func(ctx context.Context) error {
			_, err := follow.Refresh(ctx, store)
			return err
		}},
		scheduler.Task{Name: "message_cleanup", Interval: cfg.CleanupInterval, Run: func(ctx context.Context) error {
			_, err := dispatcher.Cleanup(ctx)
			return err
		}},
	)

	handlers := server.NewHandlers(store, sched, cfg.TickInterval)
	mux := server.NewMux(ctx, handlers, server.Options{AdminToken: cfg.AdminToken, StatusPerMinute: cfg.StatusRateLimit})
	go func() {
		if err := server.Start(ctx, cfg.HTTPAddr, mux); err != nil {
			slog.Error("http server exited with error", slog.Any("err", err))
			stop()
		}
	}()

	slog.Info("live checks configured",
		slog.Int("platforms", len(probers)),
		slog.Int("workers", cfg.Workers),
		slog.Duration("tick", cfg.TickInterval),
		slog.String("timezone", cfg.Timezone.String()))
	sched.Run(ctx)

	slog.Info("shutting down; waiting for in-flight checks")
	sched.Wait()
	maintenance.Wait()
}

// setupLogging configures the default logger from LOG_LEVEL and LOG_FORMAT.
// Defaults: level=info, format=text.
func setupLogging() {
	lvl := slog.LevelInfo
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	case "info", "":
	default:
		tmp := slog.New(slog.NewTextHandler(os.Stdout, nil))
		tmp.Warn("unknown LOG_LEVEL, using info", slog.String("value", os.Getenv("LOG_LEVEL")))
	}
	format := strings.ToLower(os.Getenv("LOG_FORMAT")) // text | json
	var handler slog.Handler
	switch format {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	default:
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	}
	slog.SetDefault(slog.New(handler))
	slog.Info("logger initialized", slog.String("level", lvl.String()), slog.String("format", map[bool]string{true: "json", false: "text"}[format == "json"]))
}
