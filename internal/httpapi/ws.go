package httpapi

import (
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	wsWriteWait  = 5 * time.Second
	wsPingPeriod = 30 * time.Second
	wsBuffer     = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// serveEvents manda cada evento do bus como JSON. ?camera=<id> filtra.
// Cliente lento perde eventos (o bus descarta), nunca trava o supervisor.
func (s *Server) serveEvents(w http.ResponseWriter, r *http.Request) {
	camera := r.URL.Query().Get("camera")

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[api] upgrade websocket falhou: %v", err)
		return
	}
	defer conn.Close()

	evs, cancel := s.bus.Subscribe(wsBuffer)
	defer cancel()

	// leitura só para detectar o fechamento pelo cliente
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-closed:
			return
		case <-r.Context().Done():
			return
		case ev, ok := <-evs:
			if !ok {
				return
			}
			if camera != "" && ev.CameraID != camera {
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(ev); err != nil {
				log.Printf("[api] websocket: %v", err)
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		}
	}
}
