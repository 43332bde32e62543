package proxy

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/shehryarbajwa/applyx/pkg/models"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// SessionSource resolves a tenant's current session
type SessionSource interface {
	Get(ctx context.Context, tenantID string) (*models.Session, error)
}

// Server relays DevTools websocket traffic between a debugging client and the
// browser behind a tenant's running worker
type Server struct {
	sessions    SessionSource
	dialer      *websocket.Dialer
	dialTimeout time.Duration
	logger      *zap.Logger
}

// NewServer creates a debug proxy over sessions
func NewServer(sessions SessionSource, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		sessions:    sessions,
		dialer:      websocket.DefaultDialer,
		dialTimeout: 10 * time.Second,
		logger:      logger.Named("proxy"),
	}
}

// HandleDebugConnection upgrades the request and proxies it to the tenant's
// browser until either side closes
func (s *Server) HandleDebugConnection(w http.ResponseWriter, r *http.Request, tenantID string) {
	sess, err := s.sessions.Get(r.Context(), tenantID)
	if err != nil {
		http.Error(w, "Session not found", http.StatusNotFound)
		return
	}
	if sess.Status != models.StatusRunning || sess.WorkerHandle.ConnectURL == "" {
		http.Error(w, "Session is not running", http.StatusConflict)
		return
	}

	logger := s.logger.With(zap.String("tenant_id", tenantID), zap.String("session_id", sess.ID))

	// Dial first so a dead browser is reported as a plain HTTP error
	ctx, cancel := context.WithTimeout(r.Context(), s.dialTimeout)
	defer cancel()
	browserConn, _, err := s.dialer.DialContext(ctx, sess.WorkerHandle.ConnectURL, nil)
	if err != nil {
		logger.Warn("failed to connect to browser", zap.Error(err))
		http.Error(w, fmt.Sprintf("Error connecting to browser: %v", err), http.StatusBadGateway)
		return
	}
	defer browserConn.Close()

	clientConn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("failed to upgrade connection", zap.Error(err))
		return
	}
	defer clientConn.Close()

	logger.Info("debug client connected")

	errChan := make(chan error, 2)

	go func() {
		errChan <- relay(clientConn, browserConn)
	}()

	go func() {
		errChan <- relay(browserConn, clientConn)
	}()

	// Wait for either direction to close; the deferred closes end the other
	err = <-errChan
	if err != nil && !isNormalClose(err) {
		logger.Warn("debug proxy error", zap.Error(err))
	}

	logger.Info("debug client disconnected")
}

func relay(src, dst *websocket.Conn) error {
	for {
		messageType, message, err := src.ReadMessage()
		if err != nil {
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				_ = dst.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(closeErr.Code, closeErr.Text),
					time.Now().Add(time.Second))
			}
			return err
		}

		if err := dst.WriteMessage(messageType, message); err != nil {
			return err
		}
	}
}

func isNormalClose(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway)
}
