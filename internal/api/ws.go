package api

import (
	"net/http"
	"strings"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// subscribe upgrades the connection and hands it to the WebSocketHub,
// scoped to whatever topics the principal is permitted to see (spec §4.9).
// topics are requested via repeated ?topic= query params.
func (s *Server) subscribe(w http.ResponseWriter, r *http.Request) {
	requested := r.URL.Query()["topic"]
	if len(requested) == 0 {
		if raw := r.URL.Query().Get("topics"); raw != "" {
			requested = strings.Split(raw, ",")
		}
	}

	allowed, err := s.Core.AllowedTopics(principalFrom(r), requested)
	if err != nil {
		writeCoreError(w, err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.Log.Warn("websocket upgrade failed")
		return
	}

	s.Core.WSHub.Serve(conn, allowed...)
}
