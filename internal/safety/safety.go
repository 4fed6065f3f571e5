package safety

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"perpbot/internal/config"
	"perpbot/internal/exchange"
	"perpbot/internal/models"
	"perpbot/internal/store"
)

// windowCap ограничивает скользящее окно наблюдений за API.
const windowCap = 100

type StateStore interface {
	GetHaltState() (models.HaltState, error)
	SaveHaltState(models.HaltState) error
	AppendAudit(ev store.AuditEvent) error
}

type Notifier interface {
	Notify(text string)
}

type apiCall struct {
	latency time.Duration
	failed  bool
}

// Supervisor следит за здоровьем API и конфигурацией счёта. Состояние halt
// персистентно: после рестарта бот остаётся остановленным, автоматического
// возобновления нет.
type Supervisor struct {
	mu     sync.Mutex
	cfg    config.SafetyConfig
	st     StateStore
	notify Notifier
	log    *logrus.Entry

	window []apiCall
	halted bool
	reason string
}

func New(cfg config.SafetyConfig, st StateStore, notify Notifier, log *logrus.Entry) (*Supervisor, error) {
	s := &Supervisor{cfg: cfg, st: st, notify: notify, log: log}

	hs, err := st.GetHaltState()
	if err != nil {
		return nil, fmt.Errorf("не удалось прочитать состояние halt: %w", err)
	}
	s.halted = hs.Halted
	s.reason = hs.Reason
	if s.halted {
		log.WithField("reason", s.reason).Warn("Бот остановлен с прошлого запуска, торговля заблокирована")
	}
	return s, nil
}

// RecordAPICall кладёт наблюдение в окно и проверяет пороги.
// Вызывается после каждого REST-запроса к бирже.
func (s *Supervisor) RecordAPICall(latency time.Duration, err error) {
	s.mu.Lock()

	s.window = append(s.window, apiCall{latency: latency, failed: err != nil})
	if len(s.window) > windowCap {
		s.window = s.window[len(s.window)-windowCap:]
	}

	if s.halted || len(s.window) < s.cfg.MinRequestsWindow {
		s.mu.Unlock()
		return
	}

	var failed int
	var total time.Duration
	for _, c := range s.window {
		if c.failed {
			failed++
		}
		total += c.latency
	}
	errRate := float64(failed) / float64(len(s.window)) * 100.0
	avgLatency := total / time.Duration(len(s.window))

	var reason string
	switch {
	case errRate > s.cfg.ErrorRatePercent:
		reason = fmt.Sprintf("доля ошибок API %.1f%% превысила порог %.1f%%", errRate, s.cfg.ErrorRatePercent)
	case avgLatency > s.cfg.LatencyThreshold:
		reason = fmt.Sprintf("средняя задержка API %s превысила порог %s", avgLatency, s.cfg.LatencyThreshold)
	}
	s.mu.Unlock()

	if reason != "" {
		s.Halt(reason)
	}
}

// Halted сообщает, заблокирована ли торговля.
func (s *Supervisor) Halted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.halted
}

func (s *Supervisor) Reason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

// Halt останавливает торговлю, пишет критическую audit-запись и шлёт
// уведомление. Повторный вызов при уже активном halt ничего не делает.
func (s *Supervisor) Halt(reason string) {
	s.mu.Lock()
	if s.halted {
		s.mu.Unlock()
		return
	}
	s.halted = true
	s.reason = reason
	s.mu.Unlock()

	now := time.Now().UTC()
	hs := models.HaltState{Halted: true, Reason: reason, HaltedAt: &now, UpdatedAt: now}
	if err := s.st.SaveHaltState(hs); err != nil {
		s.log.WithError(err).Error("Не удалось сохранить состояние halt")
	}
	if err := s.st.AppendAudit(store.AuditEvent{
		Severity:  "CRITICAL",
		Category:  "SAFETY",
		EventName: "HALT",
		Message:   reason,
	}); err != nil {
		s.log.WithError(err).Error("Не удалось записать audit-событие halt")
	}

	s.log.WithField("reason", reason).Error("ТОРГОВЛЯ ОСТАНОВЛЕНА")
	if s.notify != nil {
		s.notify.Notify("⛔ Торговля остановлена: " + reason)
	}
}

// Resume снимает halt только вручную и только если окно API снова здорово.
func (s *Supervisor) Resume() error {
	s.mu.Lock()
	if !s.halted {
		s.mu.Unlock()
		return nil
	}

	var failed int
	for _, c := range s.window {
		if c.failed {
			failed++
		}
	}
	if len(s.window) > 0 {
		errRate := float64(failed) / float64(len(s.window)) * 100.0
		if errRate > s.cfg.ErrorRatePercent {
			s.mu.Unlock()
			return fmt.Errorf("возобновление отклонено: доля ошибок API всё ещё %.1f%%", errRate)
		}
	}
	s.halted = false
	s.reason = ""
	s.window = nil
	s.mu.Unlock()

	now := time.Now().UTC()
	if err := s.st.SaveHaltState(models.HaltState{Halted: false, UpdatedAt: now}); err != nil {
		return err
	}
	if err := s.st.AppendAudit(store.AuditEvent{
		Severity:  "WARN",
		Category:  "SAFETY",
		EventName: "RESUME",
		Message:   "торговля возобновлена вручную",
	}); err != nil {
		s.log.WithError(err).Error("Не удалось записать audit-событие resume")
	}

	s.log.Warn("Торговля возобновлена")
	if s.notify != nil {
		s.notify.Notify("✅ Торговля возобновлена")
	}
	return nil
}

// ValidateAccountConfig требует isolated-маржу и плечо ровно 1x.
func (s *Supervisor) ValidateAccountConfig(ac exchange.AccountConfig) error {
	if ac.MarginMode != "isolated" {
		return fmt.Errorf("режим маржи %q, требуется isolated (%s)", ac.MarginMode, ac.Symbol)
	}
	if ac.Leverage != 1 {
		return fmt.Errorf("плечо %dx, требуется 1x (%s)", ac.Leverage, ac.Symbol)
	}
	return nil
}

// CheckLiquidationBuffer проверяет, что цена ликвидации лежит дальше стопа:
// стоп обязан сработать раньше ликвидации при любом движении цены.
func (s *Supervisor) CheckLiquidationBuffer(direction models.Direction, stopPrice, liqPrice float64) error {
	if liqPrice <= 0 {
		return nil
	}
	switch direction {
	case models.DirectionLong:
		if liqPrice >= stopPrice {
			return fmt.Errorf("цена ликвидации %.8f не ниже стопа %.8f", liqPrice, stopPrice)
		}
	case models.DirectionShort:
		if liqPrice <= stopPrice {
			return fmt.Errorf("цена ликвидации %.8f не выше стопа %.8f", liqPrice, stopPrice)
		}
	}
	return nil
}
