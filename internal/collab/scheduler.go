package collab

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/amoylab/collab/internal/collab/page"
	"github.com/amoylab/collab/internal/collab/push"
)

// Start runs the expiration sweep and the keep-alive ping until Stop
func (s *Service) Start(ctx context.Context) error {
	s.runningMu.Lock()
	defer s.runningMu.Unlock()

	if s.running {
		return fmt.Errorf("collaboration service is already running")
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.running = true
	s.logger.Info("starting collaboration jobs",
		zap.Duration("sweep_interval", s.cfg.SweepInterval),
		zap.Duration("ping_interval", s.cfg.PingInterval))

	s.wg.Add(2)
	go s.every(ctx, s.cfg.SweepInterval, s.SweepAll)
	go s.every(ctx, s.cfg.PingInterval, s.ping)
	return nil
}

// Stop cancels the background jobs, closes all push connections and waits
// for the jobs to return.
func (s *Service) Stop() {
	s.runningMu.Lock()
	if !s.running {
		s.runningMu.Unlock()
		return
	}
	s.logger.Info("stopping collaboration jobs")
	s.cancel()
	s.running = false
	s.runningMu.Unlock()

	s.wg.Wait()
	s.registry.CloseAll()
}

func (s *Service) every(ctx context.Context, interval time.Duration, job func(context.Context)) {
	defer s.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			job(ctx)
		}
	}
}

func (s *Service) ping(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic in keep-alive ping", zap.Any("panic", r))
		}
	}()
	s.registry.PingAll(ctx)
}

// SweepAll removes expired sessions on every page
func (s *Service) SweepAll(ctx context.Context) {
	s.pages.Range(func(key, value any) bool {
		s.sweepPage(ctx, key.(string), value.(*page.State))
		return ctx.Err() == nil
	})
}

func (s *Service) sweepPage(ctx context.Context, path string, st *page.State) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic while sweeping page", zap.String("page", path), zap.Any("panic", r))
		}
	}()

	res := st.SweepExpired()
	if res.Empty() {
		return
	}
	s.metrics.SessionsExpired(len(res.RemovedSessions))
	for _, id := range res.RemovedSessions {
		s.logger.Debug("dropping expired session", zap.String("page", path), zap.String("session_id", id))
		s.registry.DropSession(id)
	}
	for _, released := range res.ReleasedPaths {
		s.registry.Broadcast(ctx, path, push.LeaseReleased{Path: released}, "")
	}
	if len(res.DepartedUsers) > 0 {
		s.registry.Broadcast(ctx, path, push.UserExited{UserIDs: res.DepartedUsers}, "")
	}
}
