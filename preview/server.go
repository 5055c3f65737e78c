// Package preview serves the annotated frames as JPEGs over a websocket so
// a run can be watched from a browser.
package preview

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"gocv.io/x/gocv"

	"vidtrack/video"
)

// Global debug function for preview package
var debugMsgFunc func(string, string, ...string)

// SetDebugFunction allows main package to provide debug function
func SetDebugFunction(fn func(string, string, ...string)) {
	debugMsgFunc = fn
}

func debugMsg(component, message string, ids ...string) {
	if debugMsgFunc != nil {
		debugMsgFunc(component, message, ids...)
	}
}

func itoa(n int) string { return strconv.Itoa(n) }

const (
	writeWait    = 5 * time.Second
	pongWait     = 60 * time.Second
	pingPeriod   = pongWait * 9 / 10
	shutdownWait = 5 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

const page = `<!DOCTYPE html>
<html><head><title>vidtrack preview</title></head>
<body style="margin:0;background:#111">
<img id="frame" style="max-width:100%">
<script>
const img = document.getElementById("frame");
const ws = new WebSocket("ws://" + location.host + "/ws");
ws.binaryType = "blob";
ws.onmessage = (e) => {
  const url = URL.createObjectURL(e.data);
  img.onload = () => URL.revokeObjectURL(url);
  img.src = url;
};
</script>
</body></html>
`

// Server is a video.Sink that broadcasts each frame to websocket viewers.
type Server struct {
	hub  *Hub
	srv  *http.Server
	ln   net.Listener
	done chan struct{}
}

// Listen starts serving on addr. The page is at / and the stream at /ws.
func Listen(addr string) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: preview listen %s: %w", video.ErrResource, addr, err)
	}

	s := &Server{hub: NewHub(), ln: ln, done: make(chan struct{})}
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handlePage)
	mux.HandleFunc("/ws", s.handleWebsocket)
	s.srv = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		defer close(s.done)
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			debugMsg("PREVIEW", "server stopped: "+err.Error())
		}
	}()
	debugMsg("PREVIEW", "serving on http://"+ln.Addr().String())
	return s, nil
}

// Addr returns the listening address.
func (s *Server) Addr() string {
	return s.ln.Addr().String()
}

// Hub exposes the viewer set.
func (s *Server) Hub() *Hub {
	return s.hub
}

func (s *Server) handlePage(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write([]byte(page))
}

func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		debugMsg("PREVIEW", "websocket upgrade error: "+err.Error())
		return
	}

	c := newClient()
	if !s.hub.register(c) {
		conn.Close()
		return
	}
	go s.writePump(conn, c)

	// Read until the viewer goes away so pongs and close frames are handled.
	conn.SetReadLimit(512)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	s.hub.unregister(c)
}

func (s *Server) writePump(conn *websocket.Conn, c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteMessage(websocket.BinaryMessage, msg); err != nil {
				s.hub.unregister(c)
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.hub.unregister(c)
				return
			}
		}
	}
}

// Write JPEG-encodes the frame and queues it for every viewer. Nothing is
// encoded while nobody is watching.
func (s *Server) Write(f *video.Frame) error {
	if s.hub.Clients() == 0 {
		return nil
	}
	buf, err := gocv.IMEncode(".jpg", f.Mat)
	if err != nil {
		return fmt.Errorf("%w: jpeg encode frame %d: %w", video.ErrEncode, f.Index, err)
	}
	defer buf.Close()

	// the native buffer is released on return, viewers get a copy
	data := append([]byte(nil), buf.GetBytes()...)
	s.hub.Broadcast(data)
	return nil
}

// Close disconnects viewers and stops the HTTP server.
func (s *Server) Close() error {
	s.hub.Close()
	ctx, cancel := context.WithTimeout(context.Background(), shutdownWait)
	defer cancel()
	err := s.srv.Shutdown(ctx)
	<-s.done
	return err
}

var _ video.Sink = (*Server)(nil)
