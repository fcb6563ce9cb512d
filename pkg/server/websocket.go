package server

import (
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/rkchat/rkchat/internal/wsconn"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// HandleWebSocket upgrades the request and serves the chat protocol over it.
// The handler returns when the session ends.
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	if !s.trackConn() {
		http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
		return
	}
	defer s.wg.Done()

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written an HTTP error to the client
		s.logger.Debug("websocket upgrade failed", zap.String("remote", r.RemoteAddr), zap.Error(err))
		return
	}
	s.serveConn(wsconn.New(ws), "websocket", LoginAuth{})
}
