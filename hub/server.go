package hub

import (
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/gridfeed/gridfeed/cfg"
	"github.com/gridfeed/gridfeed/telemetry"
)

var websocketUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Server upgrades HTTP requests into hub sessions. Authentication
// happens before the upgrade: a rejected credential gets a 401 and no
// session state is ever created for it.
type Server struct {
	hub      *Hub
	auth     *Authenticator
	realtime cfg.RealtimeConfiguration
}

// NewServer creates the websocket endpoint handler.
func NewServer(h *Hub, auth *Authenticator, realtime cfg.RealtimeConfiguration) *Server {
	return &Server{hub: h, auth: auth, realtime: realtime}
}

// ServeHTTP implements the realtime connect handshake.
func (srv *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	identity, err := srv.auth.Authenticate(extractCredential(r))
	if err != nil {
		telemetry.AuthFailuresTotal.Inc()
		log.Debug().Err(err).Str("remote", r.RemoteAddr).Msg("Rejected connection credential")
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := websocketUpgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("Websocket upgrade failed")
		return
	}

	s := newSession(srv.hub, conn, identity, srv.realtime.SendBuffer)
	srv.hub.register(s)

	go s.writeLoop(time.Duration(srv.realtime.PingIntervalS) * time.Second)
	go s.readLoop(int64(srv.realtime.ReadLimitBytes))
}

// extractCredential pulls the token from the Authorization header or,
// for browser clients that cannot set websocket headers, from the token
// query parameter.
func extractCredential(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		parts := strings.SplitN(auth, " ", 2)
		if len(parts) == 2 && parts[0] == "Bearer" {
			return parts[1]
		}
		return ""
	}
	return r.URL.Query().Get("token")
}
