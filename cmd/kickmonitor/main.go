package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/you/kickmonitor/internal/config"
	"github.com/you/kickmonitor/internal/events"
	httpadmin "github.com/you/kickmonitor/internal/http"
	"github.com/you/kickmonitor/internal/httpapi"
	"github.com/you/kickmonitor/internal/kickapi"
	"github.com/you/kickmonitor/internal/kickauth"
	"github.com/you/kickmonitor/internal/kickchat"
	"github.com/you/kickmonitor/internal/metrics"
	"github.com/you/kickmonitor/internal/redemptions"
	"github.com/you/kickmonitor/internal/store"
	"github.com/you/kickmonitor/internal/version"
)

const (
	busSize         = 1024
	shutdownTimeout = time.Second
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	var (
		versionFlag     bool
		loginFlag       bool
		saveCreds       bool
		envFile         string
		channel         string
		dbPath          string
		sessionFile     string
		httpAddr        string
		httpCorsOrigins string
		httpRateRPS     int
		httpRateBurst   int
	)

	flag.BoolVar(&versionFlag, "version", false, "Print build version and exit")
	flag.BoolVar(&loginFlag, "login", false, "Force an interactive browser login even if a session exists")
	flag.BoolVar(&saveCreds, "save-credentials", false, "Store the OAuth client settings from the environment in SQLite and exit")
	flag.StringVar(&envFile, "env-file", ".env", "Optional dotenv file loaded before the environment is read")
	flag.StringVar(&channel, "channel", "", "Kick channel slug (empty uses the authenticated account)")
	flag.StringVar(&dbPath, "sqlite", "", "Path to SQLite settings database")
	flag.StringVar(&sessionFile, "session-file", "", "Path to the persisted OAuth session")
	flag.StringVar(&httpAddr, "http-addr", "", "HTTP status/stream address (e.g., 127.0.0.1:8080)")
	flag.StringVar(&httpCorsOrigins, "http-cors-origins", "", "Comma-separated list of allowed CORS origins")
	flag.IntVar(&httpRateRPS, "http-rate-rps", 0, "Maximum HTTP requests per second per client")
	flag.IntVar(&httpRateBurst, "http-rate-burst", 0, "Burst size for HTTP rate limiter")
	flag.Parse()

	if versionFlag {
		fmt.Printf(
			"kickmonitor version: %s (commit %s, built %s)\n",
			version.Version,
			version.Commit,
			version.BuildTime,
		)
		os.Exit(0)
	}

	overrides := make(map[string]bool)
	flag.Visit(func(f *flag.Flag) {
		overrides[f.Name] = true
	})

	if err := config.LoadDotEnv(envFile); err != nil {
		log.Printf("kickmonitor: dotenv %s: %v", envFile, err)
	}
	cfg := config.Load()

	if overrides["channel"] {
		cfg.Kick.Channel = kickapi.NormalizeSlug(channel)
	}
	if overrides["sqlite"] && strings.TrimSpace(dbPath) != "" {
		cfg.SQLite.Path = strings.TrimSpace(dbPath)
	}
	if overrides["session-file"] && strings.TrimSpace(sessionFile) != "" {
		cfg.Session.File = strings.TrimSpace(sessionFile)
	}
	if overrides["http-addr"] {
		cfg.HTTP.Addr = strings.TrimSpace(httpAddr)
	}
	if overrides["http-cors-origins"] {
		cfg.HTTP.CORSOrigins = nil
		for _, origin := range strings.Split(httpCorsOrigins, ",") {
			if origin = strings.TrimSpace(origin); origin != "" {
				cfg.HTTP.CORSOrigins = append(cfg.HTTP.CORSOrigins, origin)
			}
		}
	}
	if overrides["http-rate-rps"] {
		cfg.HTTP.RateLimitRPS = httpRateRPS
	}
	if overrides["http-rate-burst"] {
		cfg.HTTP.RateLimitBurst = httpRateBurst
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("kickmonitor: received %s, shutting down", sig)
		cancel()
	}()

	db, err := store.OpenSQLite(cfg.SQLite.Path)
	if err != nil {
		log.Fatalf("kickmonitor: open sqlite: %v", err)
	}
	defer func() {
		if err := db.Close(); err != nil {
			log.Printf("kickmonitor: closing sqlite: %v", err)
		}
	}()

	if saveCreds {
		if err := db.SaveCredentials(ctx, cfg.Credentials()); err != nil {
			log.Fatalf("kickmonitor: save credentials: %v", err)
		}
		log.Printf("kickmonitor: credentials stored in %s", cfg.SQLite.Path)
		return
	}
	if err := cfg.MergeStored(ctx, db); err != nil {
		log.Printf("kickmonitor: stored credentials: %v", err)
	}
	for _, name := range cfg.LegacyEnv {
		log.Printf("kickmonitor: %s is deprecated; use the KICKMON_ prefix", name)
	}
	log.Printf("%s", cfg.SummaryJSON())

	m := metrics.New()
	bus := events.NewBus(busSize, events.Info)
	sink := events.Multi{events.SlogSink{Logger: slog.Default()}, bus}

	sessions := store.NewSessionFile(cfg.Session.File)
	auth := kickauth.NewManager(sessions, kickauth.Options{
		Credentials:  cfg.Credentials(),
		AuthURL:      cfg.Kick.AuthURL,
		TokenURL:     cfg.Kick.TokenURL,
		LoginTimeout: cfg.Kick.LoginTimeout,
		Sink:         sink,
		Metrics:      m,
	})

	if loginFlag {
		_, err = auth.Login(ctx)
	} else {
		_, err = auth.EnsureAuthenticated(ctx)
	}
	if err != nil {
		log.Fatalf("kickmonitor: authenticate: %v", err)
	}

	api := kickapi.New(kickapi.Options{
		BaseURL:     cfg.Kick.APIBaseURL,
		ChannelsURL: cfg.Kick.ChannelsURL,
		Tokens:      auth,
		Cache:       db,
		Sink:        sink,
		Metrics:     m,
	})
	ch, err := api.ResolveChannel(ctx, cfg.Kick.Channel)
	if err != nil {
		log.Fatalf("kickmonitor: resolve channel: %v", err)
	}

	stream := kickchat.New(kickchat.Options{
		URL:     cfg.Kick.PusherURL,
		OnChat:  bus.PublishChat,
		OnState: bus.PublishState,
		Sink:    sink,
		Metrics: m,
	})
	supervisor := kickchat.NewSupervisor(stream, ch.ChatroomID)

	// The poller never triggers a refresh itself; the auto-refresher and the
	// main client own the token lifecycle.
	pollAPI := kickapi.New(kickapi.Options{
		BaseURL:   cfg.Kick.APIBaseURL,
		Tokens:    auth.Passive(),
		Sink:      sink,
		Metrics:   m,
		NoRefresh: true,
	})
	pollAPI.SetChannel(ch)
	poller, err := redemptions.New(redemptions.Options{
		API:            pollAPI,
		OnRedemption:   bus.PublishRedemption,
		Sink:           sink,
		Metrics:        m,
		BaseInterval:   cfg.PollBase(),
		BurstInterval:  cfg.PollBurst(),
		RateLimitPause: cfg.RateLimitPause(),
		DedupSize:      cfg.Poll.DedupSize,
	})
	if err != nil {
		log.Fatalf("kickmonitor: redemption poller: %v", err)
	}

	reloader := &kickReloader{auth: auth, chat: supervisor, channels: api, slug: cfg.Kick.Channel}

	auth.StartAutoRefresh(ctx, func(string) {
		slog.Info("kickmonitor: access token refreshed")
	})
	if err := store.WatchSession(ctx, sessions.Path(), func() {
		changed, err := auth.Reload()
		if err != nil {
			slog.Warn("kickmonitor: session reload failed", "err", err)
			return
		}
		if changed {
			log.Printf("kickmonitor: session file changed; restarting chat")
			supervisor.Restart(0)
		}
	}); err != nil {
		slog.Error("kickmonitor: watch session file", "err", err)
	}

	var server *httpapi.Server
	if cfg.HTTP.Addr != "" {
		server = httpapi.New(httpapi.Options{
			Addr:           cfg.HTTP.Addr,
			Build:          httpapi.BuildInfo{Version: version.Version, Revision: version.Commit, BuiltAt: version.BuiltAt()},
			Metrics:        m,
			RateLimitRPS:   cfg.HTTP.RateLimitRPS,
			RateLimitBurst: cfg.HTTP.RateLimitBurst,
			CORSOrigins:    cfg.HTTP.CORSOrigins,
			Status: func() httpapi.Status {
				current, _ := api.Channel()
				return httpapi.Status{
					Channel:       current.Slug,
					ChatroomID:    current.ChatroomID,
					ChatState:     stream.State().String(),
					Authenticated: auth.Current() != "",
					DroppedEvents: bus.Dropped(),
				}
			},
		})
		httpadmin.New(reloader).Register(server.Mux())
		go func() {
			if err := server.Start(); err != nil {
				log.Printf("kickmonitor: http api: %v", err)
				cancel()
			}
		}()
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := supervisor.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("kickmonitor: chat supervisor exited: %v", err)
		}
	}()
	go func() {
		defer wg.Done()
		if err := poller.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("kickmonitor: redemption poller exited: %v", err)
		}
	}()
	log.Printf("kickmonitor: monitoring %s (chatroom %d)", ch.Slug, ch.ChatroomID)

	consumerDone := make(chan struct{})
	go func() {
		defer close(consumerDone)
		consume(bus, server, m)
	}()

	<-ctx.Done()

	poller.Stop()
	stream.Disconnect()
	waitTimeout(&wg, shutdownTimeout)
	bus.Close()
	<-consumerDone

	if server != nil {
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("kickmonitor: http api shutdown: %v", err)
		}
		cancelShutdown()
	}
	log.Printf("kickmonitor: shutdown complete")
}

// consume drains the bus until it is closed. Log lines were already written by
// the slog sink, so only chat, redemption and state events are logged here.
func consume(bus *events.Bus, server *httpapi.Server, m *metrics.Metrics) {
	var lastDropped int64
	for ev := range bus.Events() {
		if dropped := bus.Dropped(); dropped > lastDropped {
			m.AddBusDropped(dropped - lastDropped)
			lastDropped = dropped
		}
		logEvent(ev)
		if server != nil {
			server.Broadcast(ev)
		}
	}
}

func logEvent(ev events.Event) {
	switch ev.Kind {
	case events.KindChat:
		if ev.Chat != nil {
			slog.Info("chat", "id", ev.Chat.ID, "sender", ev.Chat.Sender, "content", ev.Chat.Content)
		}
	case events.KindRedemption:
		if ev.Redemption != nil {
			slog.Info("redemption",
				"id", ev.Redemption.ID,
				"reward", ev.Redemption.RewardTitle,
				"redeemer", ev.Redemption.Redeemer,
				"status", ev.Redemption.Status,
			)
		}
	case events.KindState:
		slog.Info("chat state", "state", ev.State)
	}
}

func waitTimeout(wg *sync.WaitGroup, d time.Duration) {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(d):
		log.Printf("kickmonitor: workers did not stop within %s", d)
	}
}
