package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	router "github.com/dkeye/ticketcall/internal/adapters/http"
	"github.com/dkeye/ticketcall/internal/adapters/media"
	"github.com/dkeye/ticketcall/internal/adapters/rtc"
	sigconn "github.com/dkeye/ticketcall/internal/adapters/signal"
	"github.com/dkeye/ticketcall/internal/app"
	"github.com/dkeye/ticketcall/internal/config"
	"github.com/dkeye/ticketcall/internal/core"
	"github.com/dkeye/ticketcall/internal/domain"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(lvl)
	} else {
		log.Warn().Str("log_level", cfg.LogLevel).Msg("unknown log level, keeping info")
	}

	devices, err := media.NewDevices(media.Config{
		Width:        cfg.Media.Width,
		Height:       cfg.Media.Height,
		VideoBitrate: cfg.Media.VideoBitrate,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to set up media devices")
	}

	rtcCfg := rtc.DefaultConfig()
	rtcCfg.ICEServers = cfg.ICEServers
	peers, err := rtc.NewFactory(rtcCfg, devices)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to set up webrtc")
	}

	sigCfg := sigconn.Config{
		HeartbeatPeriod: cfg.Signal.HeartbeatPeriod,
		ReconnectDelay:  cfg.Signal.ReconnectDelay,
		WriteTimeout:    cfg.Signal.WriteTimeout,
		ReadLimit:       cfg.Signal.ReadLimit,
		MissedPongLimit: cfg.Signal.MissedPongLimit,
		SendQueue:       cfg.Signal.SendQueue,
		Policy:          sigconn.SimplePolicy{},
	}
	if cfg.Signal.RecycleOnBackpressure {
		sigCfg.Policy = sigconn.RecyclePolicy{}
	}
	newSession := func(domain.TicketID) core.TicketSession { return sigconn.New(sigCfg) }

	reg := app.NewRegistry(app.RegistryConfig{BaseURL: cfg.BaseURL, Reconnect: cfg.Reconnect}, newSession, devices, peers)
	defer reg.CloseAll()

	if cfg.TicketID != "" {
		if ticket, err := domain.ParseTicketID(cfg.TicketID); err != nil {
			log.Warn().Err(err).Str("ticket", cfg.TicketID).Msg("ignoring configured ticket")
		} else if _, err := reg.Select(ticket, cfg.Token); err != nil {
			log.Error().Err(err).Str("ticket", cfg.TicketID).Msg("failed to select configured ticket")
		}
	}

	r := router.SetupRouter(cfg, reg)
	addr := fmt.Sprintf(":%d", cfg.Port)

	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	go func() {
		log.Info().Str("addr", addr).Msg("ticket console started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("server error")
			cancel()
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	log.Info().Msg("Server exited gracefully")
}
