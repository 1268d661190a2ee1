package gateway

import (
	"context"
	"log"
	"time"

	"github.com/whisper/pairchat/internal/metrics"
	"github.com/whisper/pairchat/internal/protocol"
)

// Sweep removes directory members and presence references whose connection
// record has expired, which happens when a process dies without running
// its disconnect path. Users left with no connections get their offline
// transition published here.
func (g *Gateway) Sweep(ctx context.Context) error {
	if g.Sessions == nil {
		return nil
	}

	removed, err := g.Directory.Sweep(ctx, g.Sessions.Alive)
	if removed > 0 {
		metrics.SweptTotal.WithLabelValues("subscription").Add(float64(removed))
		log.Printf("[gateway] sweep: removed %d stale subscriptions", removed)
	}
	if err != nil {
		return err
	}

	offline, err := g.Presence.Sweep(ctx, g.Sessions.Alive)
	for _, userID := range offline {
		metrics.SweptTotal.WithLabelValues("presence").Inc()
		metrics.PresenceTransitions.WithLabelValues("offline").Inc()
		g.publishStatus(ctx, protocol.TypeStatusOffline, userID)
	}
	return err
}

// RunSweeper calls Sweep every interval until ctx is done.
func (g *Gateway) RunSweeper(ctx context.Context, interval time.Duration) {
	if g.Sessions == nil || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := g.Sweep(ctx); err != nil {
				log.Printf("[gateway] sweep: %v", err)
			}
		}
	}
}
