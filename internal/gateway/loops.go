package gateway

import (
	"context"
	"time"

	"github.com/jpmcglone/menofhunger-realtime/internal/metrics"
)

// heartbeatLoop keeps every local connection's heartbeat alive.
func (g *Gateway) heartbeatLoop(ctx context.Context) {
	defer g.wg.Done()

	ticker := time.NewTicker(g.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.refreshHeartbeats(ctx)
		}
	}
}

// refreshHeartbeats extends each local heartbeat and registers again any that
// the store no longer has.
func (g *Gateway) refreshHeartbeats(ctx context.Context) {
	restored := 0
	for _, c := range g.conns.All() {
		found, err := g.presence.RefreshHeartbeat(ctx, c.UserID, c.ID, g.now())
		if err != nil {
			continue
		}
		if !found {
			g.reregister(ctx, c)
			restored++
		}
	}
	metrics.IdleTimersPending.Set(float64(g.idle.Pending()))
	if restored > 0 {
		g.logger.Info().Int("restored", restored).Msg("heartbeats restored")
	}
}

// sweepLoop clears users whose heartbeats expired without a clean disconnect.
func (g *Gateway) sweepLoop(ctx context.Context) {
	defer g.wg.Done()

	ticker := time.NewTicker(g.opts.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.sweep(ctx)
		}
	}
}

func (g *Gateway) sweep(ctx context.Context) {
	now := g.now()
	offline, err := g.presence.SweepExpired(ctx, now)
	if err != nil {
		return
	}
	for _, userID := range offline {
		g.userOffline(ctx, userID, now)
	}
	if len(offline) > 0 {
		g.logger.Info().Int("users", len(offline)).Msg("swept expired presence")
	}
}
