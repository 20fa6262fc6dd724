package app

import (
	"context"
	"fmt"
	"time"

	"github.com/adhocore/gronx"
)

// RunReaper closes idle workspaces on the cron schedule until ctx is done.
func (s *Service) RunReaper(ctx context.Context, cronExpr string) error {
	if cronExpr == "" {
		cronExpr = "* * * * *"
	}
	if !gronx.IsValid(cronExpr) {
		return fmt.Errorf("invalid reaper cron expression: %s", cronExpr)
	}
	s.logger.Info("workspace reaper started", "cron", cronExpr, "idle_ttl", s.cfg.WorkspaceIdleTTL)

	go func() {
		for {
			next, err := gronx.NextTickAfter(cronExpr, time.Now().UTC(), false)
			if err != nil {
				s.logger.Error("reaper next tick", "cron", cronExpr, "error", err)
				next = time.Now().Add(time.Minute)
			}
			timer := time.NewTimer(time.Until(next))
			select {
			case <-ctx.Done():
				timer.Stop()
				s.logger.Info("workspace reaper stopping")
				return
			case <-timer.C:
			}
			if n := s.ReapIdle(ctx, time.Now()); n > 0 {
				s.logger.Info("reaped idle workspaces", "count", n)
			}
		}
	}()
	return nil
}
