// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package server implementa o supervisor do nxdcc-server: é o dono da sessão
// IRC, do registry e do listener da API, e amarra a manutenção periódica e o
// shutdown por sinal.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/nishisan-dev/n-xdcc/internal/api"
	"github.com/nishisan-dev/n-xdcc/internal/config"
	"github.com/nishisan-dev/n-xdcc/internal/irc"
	"github.com/nishisan-dev/n-xdcc/internal/offsite"
	"github.com/nishisan-dev/n-xdcc/internal/registry"
	"github.com/nishisan-dev/n-xdcc/internal/store"
	"github.com/nishisan-dev/n-xdcc/internal/transfer"
)

// Run inicia o serviço e bloqueia até o context ser cancelado.
func Run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	ln, err := net.Listen("tcp", cfg.API.Addr())
	if err != nil {
		return fmt.Errorf("listening on %s: %w", cfg.API.Addr(), err)
	}
	defer ln.Close()

	ircClient := irc.NewClient(cfg.IRC, logger)
	if err := ircClient.Connect(ctx); err != nil {
		return fmt.Errorf("establishing irc session: %w", err)
	}
	defer ircClient.Close("nxdcc shutting down")

	return RunWithListener(ctx, ln, ircClient, cfg, logger)
}

// RunWithListener inicia o serviço com listener e sessão IRC já existentes
// (para testes).
func RunWithListener(ctx context.Context, ln net.Listener, session irc.Session, cfg *config.Config, logger *slog.Logger) error {
	logger.Info("api listening", "address", ln.Addr().String())

	st := store.New(cfg.Download.Destination, cfg.Download.ResumeRaw, cfg.Download.WriteRateLimitRaw)
	reg := registry.New(logger)

	// Upload offsite opcional de downloads concluídos.
	var uploader *offsite.Uploader
	if cfg.Offsite.Enabled() {
		up, err := offsite.NewUploader(ctx, cfg.Offsite, logger)
		if err != nil {
			return fmt.Errorf("configuring offsite uploader: %w", err)
		}
		uploader = up
		defer uploader.Close()
	}

	spawn := func(bot, pack string) *transfer.Transfer {
		opts := transfer.Options{
			BotNick:          bot,
			PackNumber:       pack,
			Session:          session,
			Store:            st,
			Logger:           logger,
			ProgressInterval: cfg.Progress.Interval,
			ProgressPercent:  cfg.Progress.UpdatePercent,
			DisableANSI:      cfg.Progress.DisableANSIRaw,
		}
		if uploader != nil {
			opts.OnComplete = uploader.Enqueue
		}
		return transfer.New(opts)
	}

	handler := api.NewHandler(reg, spawn, logger)

	monitor := NewSystemMonitor(logger, cfg.Download.Destination)
	monitor.Start()
	defer monitor.Stop()

	// Manutenção periódica: sweep do registry e linha de stats.
	maint := cron.New(cron.WithLogger(cron.VerbosePrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelDebug))))
	if _, err := maint.AddFunc("@every 30m", func() {
		reg.Sweep(registry.OrphanTTL)
	}); err != nil {
		return fmt.Errorf("scheduling registry sweep: %w", err)
	}
	if _, err := maint.AddFunc("@every 1m", func() {
		pending, active := reg.Counts()
		stats := monitor.Stats()
		logger.Info("service stats",
			"pending_requests", pending,
			"active_transfers", active,
			"cpu_percent", fmt.Sprintf("%.1f", stats.CPUPercent),
			"mem_percent", fmt.Sprintf("%.1f", stats.MemoryPercent),
			"dest_disk_used_percent", fmt.Sprintf("%.1f", stats.DiskUsagePercent),
			"load_avg", fmt.Sprintf("%.2f", stats.LoadAverage),
		)
	}); err != nil {
		return fmt.Errorf("scheduling stats reporter: %w", err)
	}
	maint.Start()
	defer maint.Stop()

	// Fecha o listener quando o context for cancelado.
	go func() {
		<-ctx.Done()
		logger.Info("shutting down: closing api listener")
		ln.Close()
	}()

	// Accept loop com backoff para prevenir hot loop em erros consecutivos
	consecutiveErrors := 0
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				logger.Info("server shutdown complete")
				return nil
			default:
				consecutiveErrors++
				logger.Error("accepting connection", "error", err, "consecutive_errors", consecutiveErrors)
				if consecutiveErrors > 5 {
					delay := time.Duration(consecutiveErrors) * 100 * time.Millisecond
					if delay > 5*time.Second {
						delay = 5 * time.Second
					}
					time.Sleep(delay)
				}
				continue
			}
		}

		consecutiveErrors = 0
		go handler.HandleConnection(ctx, conn)
	}
}
