package hub

import (
	"bytes"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

const (
	watchWriteWait = 10 * time.Second
	watchPongWait  = 60 * time.Second
	watchPingEvery = (watchPongWait * 9) / 10
)

var watchUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// admin tooling is not served from a browser origin
	CheckOrigin: func(r *http.Request) bool { return true },
}

// ServerSnapshot is one message on the watch stream.
type ServerSnapshot struct {
	Servers []ServerView `json:"servers"`
	Total   int          `json:"total"`
}

func (a *AdminServer) snapshot() ServerSnapshot {
	servers := a.hub.Registry().List()
	views := make([]ServerView, 0, len(servers))
	for _, s := range servers {
		views = append(views, newServerView(s))
	}
	return ServerSnapshot{Servers: views, Total: len(views)}
}

// watchServers streams the server list over a websocket, sending a new
// snapshot whenever membership or resource counts change.
func (a *AdminServer) watchServers(c *gin.Context) {
	conn, err := watchUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		a.logger.Warn("watch_upgrade_failed", "error", err.Error())
		return
	}
	defer conn.Close()

	subject, _ := c.Get("subject")
	a.logger.Info("watch_started", "subject", subject)

	// reader only handles pongs and notices the close
	closed := make(chan struct{})
	conn.SetReadLimit(512)
	conn.SetReadDeadline(time.Now().Add(watchPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(watchPongWait))
	})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	poll := time.NewTicker(a.watchInterval)
	defer poll.Stop()
	ping := time.NewTicker(watchPingEvery)
	defer ping.Stop()

	var last []byte
	send := func() bool {
		data, err := json.Marshal(a.snapshot())
		if err != nil {
			return false
		}
		if bytes.Equal(data, last) {
			return true
		}
		last = data
		conn.SetWriteDeadline(time.Now().Add(watchWriteWait))
		return conn.WriteMessage(websocket.TextMessage, data) == nil
	}

	if !send() {
		return
	}
	for {
		select {
		case <-closed:
			a.logger.Info("watch_ended", "subject", subject)
			return
		case <-a.done:
			conn.SetWriteDeadline(time.Now().Add(watchWriteWait))
			conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
			return
		case <-poll.C:
			if !send() {
				return
			}
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(watchWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
