package replicator

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/litecore-db/litecore/pkg/status"
)

// WebSocketSettings bound the transport's timeouts.
type WebSocketSettings struct {
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	PingInterval     time.Duration
	PongTimeout      time.Duration
}

func DefaultWebSocketSettings() *WebSocketSettings {
	return &WebSocketSettings{
		HandshakeTimeout: 15 * time.Second,
		WriteTimeout:     30 * time.Second,
		PingInterval:     30 * time.Second,
		PongTimeout:      90 * time.Second,
	}
}

// webSocketStream adapts a websocket connection to MessageStream. Each
// protocol frame is one binary websocket message.
type webSocketStream struct {
	conn     *websocket.Conn
	settings *WebSocketSettings

	writeMu   sync.Mutex
	closeOnce sync.Once
	stopPing  chan struct{}
}

// DialWebSocket connects to a remote replication endpoint.
func DialWebSocket(url string, settings *WebSocketSettings) (MessageStream, error) {
	if settings == nil {
		settings = DefaultWebSocketSettings()
	}
	dialer := websocket.Dialer{HandshakeTimeout: settings.HandshakeTimeout}
	conn, _, err := dialer.Dial(url, nil)
	if err != nil {
		return nil, status.Wrap(err, status.DomainWebSocket, status.CodeIOError,
			"connecting to %s", url)
	}
	return newWebSocketStream(conn, settings), nil
}

// UpgradeWebSocket accepts an incoming replication connection on an HTTP
// handler. The passive side of a session starts here.
func UpgradeWebSocket(w http.ResponseWriter, r *http.Request,
	settings *WebSocketSettings) (MessageStream, error) {

	if settings == nil {
		settings = DefaultWebSocketSettings()
	}
	upgrader := websocket.Upgrader{
		HandshakeTimeout: settings.HandshakeTimeout,
		CheckOrigin:      func(*http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, status.Wrap(err, status.DomainWebSocket, status.CodeIOError,
			"upgrading replication connection")
	}
	return newWebSocketStream(conn, settings), nil
}

func newWebSocketStream(conn *websocket.Conn, settings *WebSocketSettings) *webSocketStream {
	s := &webSocketStream{
		conn:     conn,
		settings: settings,
		stopPing: make(chan struct{}),
	}
	conn.SetReadDeadline(time.Now().Add(settings.PongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(settings.PongTimeout))
	})
	go s.pingLoop()
	return s
}

func (s *webSocketStream) pingLoop() {
	ticker := time.NewTicker(s.settings.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.writeMu.Lock()
			s.conn.SetWriteDeadline(time.Now().Add(s.settings.WriteTimeout))
			err := s.conn.WriteMessage(websocket.PingMessage, nil)
			s.writeMu.Unlock()
			if err != nil {
				return
			}
		case <-s.stopPing:
			return
		}
	}
}

func (s *webSocketStream) WriteMessage(data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(s.settings.WriteTimeout))
	if err := s.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		return status.Wrap(err, status.DomainWebSocket, status.CodeIOError,
			"websocket write")
	}
	return nil
}

func (s *webSocketStream) ReadMessage() ([]byte, error) {
	for {
		msgType, data, err := s.conn.ReadMessage()
		if err != nil {
			return nil, status.Wrap(err, status.DomainWebSocket, status.CodeDisconnected,
				"websocket read")
		}
		if msgType == websocket.BinaryMessage {
			return data, nil
		}
		// text frames are not part of the protocol; ignore
	}
}

func (s *webSocketStream) Close() error {
	s.closeOnce.Do(func() {
		close(s.stopPing)
		s.writeMu.Lock()
		s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		s.writeMu.Unlock()
		s.conn.Close()
	})
	return nil
}
