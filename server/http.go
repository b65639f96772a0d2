package server

import (
	"net/http"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/jpillora/sizestr"
	"go.uber.org/zap"

	"swarm-rpc/transport"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Handler upgrades requests to WebSocket and attaches each socket as a node.
// The node id is the request path without its leading slash; the root path
// gets a random id. onNode runs before the socket is told init.
func (s *Server) Handler(onNode func(*Node)) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			s.logger.Debug("websocket upgrade failed", zap.Error(err))
			return
		}
		conn := transport.NewWebSocketConn(ws)
		id := strings.TrimPrefix(r.URL.Path, "/")

		var setup []func(*Node)
		if onNode != nil {
			setup = append(setup, onNode)
		}
		n, err := s.CreateNode(r.Context(), id, conn, setup...)
		if err != nil {
			s.logger.Warn("node setup failed", zap.String("remote", conn.RemoteAddr()), zap.Error(err))
			_ = conn.Close()
			return
		}
		go func() {
			<-n.Done()
			sent, received := conn.Stats()
			n.logger.Debug("socket closed",
				zap.String("sent", sizestr.ToString(sent)),
				zap.String("received", sizestr.ToString(received)))
		}()
	})
}
