package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/getindexednow/authflow/internal/api"
	"github.com/getindexednow/authflow/internal/config"
	"github.com/getindexednow/authflow/internal/dom"
	"github.com/getindexednow/authflow/internal/notify"
	"github.com/getindexednow/authflow/internal/onetap"
	"github.com/getindexednow/authflow/internal/page"
	"github.com/getindexednow/authflow/internal/relay"
	"github.com/getindexednow/authflow/internal/relay/bridge"
	"github.com/getindexednow/authflow/internal/script"
	"github.com/getindexednow/authflow/internal/session"
	"github.com/getindexednow/authflow/internal/sim"
	"github.com/getindexednow/authflow/internal/store"
	"github.com/getindexednow/authflow/internal/widget"
	"github.com/lmittmann/tint"
)

func main() {
	configPath := flag.String("config", "/etc/authflow/config.json", "path to config file")
	mode := flag.String("mode", "login", "probe mode: login, register, onetap, popup, opener")
	pageURL := flag.String("url", "https://getindexednow.com/login", "page url the probe mounts, query string included")
	email := flag.String("email", "", "account email, login and register modes")
	password := flag.String("password", "", "account password, login and register modes")
	accountName := flag.String("name", "", "account name, register mode")
	company := flag.String("company", "", "company name, register mode")
	credential := flag.String("credential", "", "identity credential delivered after the prompt, onetap mode")
	bridgeURL := flag.String("bridge", "", "opener bridge websocket url, popup mode")
	listenAddr := flag.String("listen", ":8791", "bridge listen address, opener mode")
	breakPrimary := flag.Bool("break-primary", false, "fail the primary challenge script to exercise the fallback tag")
	timeout := flag.Duration("timeout", 30*time.Second, "probe deadline")
	flag.Parse()

	// Bootstrap logger for config loading.
	log := slog.New(tint.NewHandler(os.Stderr, &tint.Options{TimeFormat: time.TimeOnly}))

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	// Re-create logger with configured level.
	var level slog.Level
	switch strings.ToLower(cfg.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	log = slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      level,
		TimeFormat: time.TimeOnly,
	}))
	log.Info("config loaded", "api", cfg.API.BaseURL, "database", cfg.Database, "log_level", level.String())

	st, err := store.Open(cfg.Database, log)
	if err != nil {
		log.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer st.Close()
	log.Info("database ready", "path", cfg.Database)

	if *mode == "opener" {
		runOpener(cfg, st, *listenAddr, log)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	nav, err := sim.NewNav(*pageURL, log)
	if err != nil {
		log.Error("failed to parse page url", "error", err)
		os.Exit(1)
	}

	// A popup probe dials the opener's bridge; everything else mounts as a
	// plain top-level window.
	var opener relay.Poster
	if *mode == "popup" {
		if *bridgeURL == "" {
			log.Error("popup mode needs -bridge")
			os.Exit(1)
		}
		poster, err := bridge.Dial(ctx, *bridgeURL, cfg.Origin, log)
		if err != nil {
			log.Error("failed to dial opener bridge", "error", err)
			os.Exit(1)
		}
		defer poster.Close()
		opener = poster
	}
	win := sim.NewWindow(cfg.Origin, opener, log)

	doc := dom.NewMemDocument(widget.ContainerIDs...)
	challengeLoader, err := script.NewLoader(doc, cfg.Challenge.ScriptURL, cfg.Challenge.ScriptID, log)
	if err != nil {
		log.Error("failed to build challenge loader", "error", err)
		os.Exit(1)
	}
	identityLoader, err := script.NewLoader(doc, cfg.OneTap.ScriptURL, cfg.OneTap.ScriptID, log)
	if err != nil {
		log.Error("failed to build identity loader", "error", err)
		os.Exit(1)
	}

	challenge := sim.NewChallenge(doc, "probe-challenge-token", 300*time.Millisecond, log)
	widgetCtrl, err := widget.NewController(doc, challenge, challengeLoader, widget.Config{SiteKey: cfg.Challenge.SiteKey}, log)
	if err != nil {
		log.Error("failed to build widget controller", "error", err)
		os.Exit(1)
	}

	bus := notify.NewBus(log)
	bus.Subscribe(func(n notify.Notice) {
		log.Info("notice", "level", n.Level, "message", n.Message)
	})

	apiClient := api.NewClient(cfg.API.BaseURL, log)
	sess := session.New(st, log)
	rel := relay.New(win, nav, sess, st, 100*time.Millisecond, log)

	prompt := sim.NewPrompt(*credential, 200*time.Millisecond, log)
	oneTap := onetap.New(onetap.Config{
		ClientID: cfg.OneTap.ClientID,
		Disabled: cfg.OneTap.Disabled,
	}, identityLoader, prompt, apiClient, sess, st, nav, bus, log)

	engine := page.New(page.Deps{
		Loader:  challengeLoader,
		Widget:  widgetCtrl,
		Relay:   rel,
		OneTap:  oneTap,
		API:     apiClient,
		Session: sess,
		Storage: st,
		Nav:     nav,
		Notices: bus,
		Log:     log,
	})

	// Config watcher drives the one-tap kill switch without a restart.
	watcher, err := config.NewWatcher(*configPath, log)
	if err != nil {
		log.Error("failed to watch config", "error", err)
		os.Exit(1)
	}
	defer watcher.Stop()
	watcher.Subscribe(func(cfg *config.Config) {
		engine.SetOneTapDisabled(cfg.OneTap.Disabled)
	})
	watcher.Start(ctx)

	// Stand in for the network: script tags appended by the loaders fire
	// their load events shortly after.
	go serveScripts(ctx, doc, cfg, *breakPrimary, log)

	if !engine.Mount(ctx) {
		// Relay or existing session consumed the mount. The redirect, if
		// any, has already been logged by the navigator.
		if loc, ok := nav.LastRedirect(); ok {
			log.Info("probe done, mount consumed", "redirected_to", loc)
		} else {
			log.Info("probe done, token relayed to opener", "closed", win.Closed())
		}
		return
	}
	defer engine.Unmount()

	switch *mode {
	case "login":
		if !awaitChallenge(ctx, engine, widgetCtrl, log) {
			os.Exit(1)
		}
		if err := engine.SubmitLogin(ctx, *email, *password); err != nil {
			log.Error("login failed", "error", err)
			os.Exit(1)
		}
		awaitRedirect(ctx, nav, log)
	case "register":
		if !awaitChallenge(ctx, engine, widgetCtrl, log) {
			os.Exit(1)
		}
		req := api.RegisterRequest{Email: *email, Password: *password, Name: *accountName, Company: *company}
		if err := engine.SubmitRegister(ctx, req); err != nil {
			log.Error("registration failed", "error", err)
			os.Exit(1)
		}
		log.Info("probe done, registration accepted")
	case "onetap", "popup":
		awaitRedirect(ctx, nav, log)
	default:
		log.Error("unknown mode", "mode", *mode)
		os.Exit(1)
	}
}

// serveScripts fires load events for appended script tags, simulating the
// network. With breakPrimary set the primary challenge tag errors instead
// and the fallback tag, once appended, loads.
func serveScripts(ctx context.Context, doc *dom.MemDocument, cfg *config.Config, breakPrimary bool, log *slog.Logger) {
	fired := make(map[string]bool)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		for _, s := range doc.Scripts() {
			if fired[s.ID] {
				continue
			}
			fired[s.ID] = true
			if breakPrimary && s.ID == cfg.Challenge.ScriptID {
				log.Info("sim network: failing script", "id", s.ID)
				doc.FireError(s.ID)
				continue
			}
			log.Debug("sim network: loading script", "id", s.ID)
			doc.FireLoad(s.ID)
		}
	}
}

// awaitChallenge waits for the user-visible part of the flow: widget
// rendered and the challenge completed.
func awaitChallenge(ctx context.Context, engine *page.Engine, ctrl *widget.Controller, log *slog.Logger) bool {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		if notice := engine.ChallengeNotice(); notice != "" {
			log.Debug("challenge pending", "notice", notice)
		}
		if ctrl.State() == widget.StateReady && ctrl.Response() != "" {
			return true
		}
		if ctrl.State() == widget.StateLoadFailed || ctrl.State() == widget.StateRenderFailed {
			log.Error("challenge never became ready", "state", ctrl.State())
			return false
		}
		select {
		case <-ctx.Done():
			log.Error("challenge wait expired")
			return false
		case <-ticker.C:
		}
	}
}

func awaitRedirect(ctx context.Context, nav *sim.Nav, log *slog.Logger) {
	select {
	case loc := <-nav.Redirected:
		log.Info("probe done", "redirected_to", loc)
	case <-ctx.Done():
		log.Error("probe expired before redirect")
		os.Exit(1)
	}
}

// runOpener hosts the bridge endpoint a popup posts its token back to,
// applying the session on the opener's side of the handshake.
func runOpener(cfg *config.Config, st *store.Store, addr string, log *slog.Logger) {
	sess := session.New(st, log)

	listener := bridge.NewListener(cfg.Origin, func(token string) {
		if err := sess.Apply(context.Background(), token); err != nil {
			log.Error("failed to apply relayed token", "error", err)
			return
		}
		log.Info("token relayed from popup", "destination", relay.PostLoginDestination(st, time.Now(), log))
	}, log)

	mux := http.NewServeMux()
	mux.Handle("/bridge", listener)

	httpServer := &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		log.Info("shutting down")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		httpServer.Shutdown(shutdownCtx)
	}()

	log.Info("opener bridge listening", "address", addr)
	if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
		log.Error("http server error", "error", err)
		os.Exit(1)
	}
}
