// Package server provides the HTTP server and routing for QuantFleet.
package server

import (
	"net/http"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// statsStreamInterval paces stats pushes to websocket subscribers.
const statsStreamInterval = 2 * time.Second

// handleStatsStream upgrades to a websocket and pushes a stats snapshot on a
// fixed interval until the client disconnects.
func (s *Server) handleStatsStream(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// The ops API is same-trust; CORS is already open on the router.
		InsecureSkipVerify: true,
	})
	if err != nil {
		s.log.Warn().Err(err).Msg("Websocket upgrade failed")
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")

	s.log.Debug().Str("remote", r.RemoteAddr).Msg("Stats stream subscriber connected")

	ctx := r.Context()
	ticker := time.NewTicker(statsStreamInterval)
	defer ticker.Stop()

	// Push an immediate snapshot so subscribers don't wait a full interval.
	for {
		snapshot := statsResponse{
			Executor:  s.container.Executor.Stats(),
			Preloader: s.container.Preloader.Stats(),
		}
		if err := wsjson.Write(ctx, conn, snapshot); err != nil {
			s.log.Debug().Err(err).Msg("Stats stream subscriber disconnected")
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
