// scheduler.go — ежедневный запуск архивирования.
//
// Одна горутина: вычисляет ближайшее HH:MM в заданной зоне, ждёт таймер
// и вызывает RunOnce. Ошибки и паники прогона логируются, цикл продолжается.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var schedulerStateGauge = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "ps_scheduler_state",
	Help: "Состояние планировщика архивирования: 0 — idle, 1 — running.",
})

// SchedulerState — состояние планировщика.
type SchedulerState int32

const (
	SchedulerIdle SchedulerState = iota
	SchedulerRunning
)

func (s SchedulerState) String() string {
	switch s {
	case SchedulerIdle:
		return "idle"
	case SchedulerRunning:
		return "running"
	default:
		return fmt.Sprintf("SchedulerState(%d)", int32(s))
	}
}

// ArchivalRunner — то, что запускает планировщик.
type ArchivalRunner interface {
	RunOnce(ctx context.Context) (ok, fail int, err error)
}

// ArchivalScheduler — ежедневный планировщик архивирования.
type ArchivalScheduler struct {
	runner ArchivalRunner
	hour   int
	minute int
	loc    *time.Location
	clock  clock.Clock
	logger *slog.Logger

	state   atomic.Int32
	nextRun atomic.Pointer[time.Time]

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewArchivalScheduler создаёт планировщик с запуском ежедневно в hour:minute зоны loc.
func NewArchivalScheduler(
	runner ArchivalRunner,
	hour, minute int,
	loc *time.Location,
	clk clock.Clock,
	logger *slog.Logger,
) *ArchivalScheduler {
	if loc == nil {
		loc = time.UTC
	}
	return &ArchivalScheduler{
		runner: runner,
		hour:   hour,
		minute: minute,
		loc:    loc,
		clock:  clk,
		logger: logger.With(slog.String("component", "scheduler")),
	}
}

// NextFire возвращает ближайший момент запуска строго после now.
func (s *ArchivalScheduler) NextFire(now time.Time) time.Time {
	local := now.In(s.loc)
	next := time.Date(local.Year(), local.Month(), local.Day(), s.hour, s.minute, 0, 0, s.loc)
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

// Start запускает фоновую горутину. Повторный вызов игнорируется.
func (s *ArchivalScheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}

	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})

	go s.loop(loopCtx, s.done)

	s.logger.Info("Планировщик архивирования запущен",
		slog.String("run_at", fmt.Sprintf("%02d:%02d", s.hour, s.minute)),
		slog.String("timezone", s.loc.String()),
	)
}

// Stop останавливает планировщик и ждёт завершения текущего прогона.
func (s *ArchivalScheduler) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel = nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	s.logger.Info("Планировщик архивирования остановлен")
}

// State возвращает текущее состояние.
func (s *ArchivalScheduler) State() SchedulerState {
	return SchedulerState(s.state.Load())
}

// NextRun возвращает запланированное время запуска; нулевое — не запланирован.
func (s *ArchivalScheduler) NextRun() time.Time {
	if t := s.nextRun.Load(); t != nil {
		return *t
	}
	return time.Time{}
}

func (s *ArchivalScheduler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer s.nextRun.Store(nil)

	for {
		now := s.clock.Now()
		next := s.NextFire(now)
		timer := s.clock.Timer(next.Sub(now))
		s.nextRun.Store(&next)

		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		s.runSafely(ctx)
	}
}

// runSafely выполняет прогон, перехватывая панику.
func (s *ArchivalScheduler) runSafely(ctx context.Context) {
	s.setState(SchedulerRunning)
	defer s.setState(SchedulerIdle)

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Паника в прогоне архивирования",
				slog.Any("panic", r),
			)
		}
	}()

	ok, fail, err := s.runner.RunOnce(ctx)
	switch {
	case errors.Is(err, ErrArchivalInProgress):
		s.logger.Info("Прогон архивирования уже выполняется, запуск пропущен")
	case err != nil:
		s.logger.Error("Ошибка прогона архивирования",
			slog.Int("archived", ok),
			slog.Int("failed", fail),
			slog.String("error", err.Error()),
		)
	}
}

func (s *ArchivalScheduler) setState(st SchedulerState) {
	s.state.Store(int32(st))
	schedulerStateGauge.Set(float64(st))
}
