package signal

import (
	"context"

	"github.com/benbjohnson/clock"
	"github.com/dkeye/ticketcall/internal/protocol"
	"github.com/rs/zerolog/log"
)

// heartbeat sends a ping every period while the socket lives. Pongs reset
// the unanswered counter in handleFrame.
func (m *Manager) heartbeat(ctx context.Context, c *wsSignalConn, ticker *clock.Ticker) {
	defer ticker.Stop()

	ping, err := protocol.Ping().Encode()
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("encode ping")
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			missed := c.unanswered.Load()
			if limit := m.cfg.MissedPongLimit; limit > 0 && int(missed) >= limit {
				log.Warn().Str("module", "signal").Int32("missed", missed).Msg("heartbeat unanswered, dropping socket")
				c.drop()
				return
			}
			if err := c.TrySend(ping); err != nil {
				log.Warn().Err(err).Str("module", "signal").Msg("heartbeat not queued")
				continue
			}
			c.unanswered.Add(1)
		}
	}
}
