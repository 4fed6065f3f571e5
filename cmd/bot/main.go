package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"perpbot/internal/config"
	"perpbot/internal/engine"
	"perpbot/internal/exchange/bybit"
	"perpbot/internal/logger"
	"perpbot/internal/metrics"
	"perpbot/internal/notify"
	"perpbot/internal/safety"
	"perpbot/internal/store"
)

func main() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	log := logger.New(logger.Config{
		Level:      cfg.Runtime.Log.Level,
		Format:     cfg.Runtime.Log.Format,
		Output:     cfg.Runtime.Log.File,
		MaxSize:    cfg.Runtime.Log.MaxSize,
		MaxBackups: cfg.Runtime.Log.MaxBackups,
		MaxAge:     cfg.Runtime.Log.MaxAge,
		Compress:   cfg.Runtime.Log.Compress,
	})

	log.Info("Бот запущен.")

	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		log.WithError(err).Fatal("Не удалось открыть хранилище.")
	}
	defer st.Close()

	tg := notify.NewTelegram(cfg.Telegram.Token, cfg.Telegram.ChatID, log.WithComponent("notify"))

	guard, err := safety.New(cfg.Safety, st, tg, log.WithComponent("safety"))
	if err != nil {
		log.WithError(err).Fatal("Не удалось инициализировать надзор.")
	}

	stats := metrics.New()
	if cfg.Metrics.Enabled {
		go func() {
			if err := metrics.Serve(cfg.Metrics.Listen); err != nil {
				log.WithError(err).Error("Сервер метрик завершился с ошибкой.")
			}
		}()
	}

	client := bybit.New(cfg.Exchange.BaseUrl, cfg.Exchange.WSPrivateURL, cfg.Exchange.Category, cfg.Exchange.ApiKey, cfg.Exchange.Secret, log)
	eng := engine.New(cfg, client, st, guard, tg, stats, log)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		if err := eng.Start(ctx); err != nil && err != context.Canceled {
			log.WithError(err).Fatal("\"Двигатель\" завершился с ошибкой.")
		}
	}()
	<-sigCh

	cancel()

	log.Info("Бот остановлен.")
}
