package push

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stagecrew/tablesync/internal/tablelog"
	"go.uber.org/zap"
)

const defaultDialTimeout = 10 * time.Second

var errMissingGatewayURL = errors.New("push: gateway base url is required")

// GatewayConfig describes how to reach the push channel.
type GatewayConfig struct {
	// BaseURL accepts http(s) or ws(s) schemes; http is rewritten to ws.
	BaseURL     string
	BearerToken string
	Dialer      *websocket.Dialer
	Logger      *zap.Logger
}

// Gateway subscribes documents to the backend's websocket event stream. One
// socket is opened per document; malformed frames and events for other
// identities are discarded without reaching the document.
type Gateway struct {
	baseURL string
	token   string
	dialer  *websocket.Dialer
	logger  *zap.Logger
}

// NewGateway validates the configuration and returns a Gateway.
func NewGateway(cfg GatewayConfig) (*Gateway, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, errMissingGatewayURL
	}
	baseURL = strings.Replace(baseURL, "http://", "ws://", 1)
	baseURL = strings.Replace(baseURL, "https://", "wss://", 1)
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{HandshakeTimeout: defaultDialTimeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gateway{
		baseURL: baseURL,
		token:   strings.TrimSpace(cfg.BearerToken),
		dialer:  dialer,
		logger:  logger,
	}, nil
}

// Subscribe implements engine.UpdateSource over a websocket connection. The
// returned cancel closes the socket and ends the read pump.
func (gateway *Gateway) Subscribe(identity tablelog.DocumentIdentity, deliver func(tablelog.Snapshot)) (func(), error) {
	eventsURL := fmt.Sprintf("%s/events/%s", gateway.baseURL, identity.ResourceID())
	header := http.Header{}
	if gateway.token != "" {
		header.Set("Authorization", "Bearer "+gateway.token)
	}

	conn, _, err := gateway.dialer.Dial(eventsURL, header)
	if err != nil {
		return nil, err
	}

	var closeOnce sync.Once
	cancel := func() {
		closeOnce.Do(func() {
			conn.Close()
		})
	}

	go gateway.readPump(conn, identity, deliver)
	return cancel, nil
}

func (gateway *Gateway) readPump(conn *websocket.Conn, identity tablelog.DocumentIdentity, deliver func(tablelog.Snapshot)) {
	logger := gateway.logger.With(zap.String("document", identity.String()))
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Debug("push connection closed", zap.Error(err))
			}
			return
		}
		event, err := DecodeEvent(data)
		if err != nil {
			logger.Debug("malformed push payload dropped", zap.Error(err))
			continue
		}
		if !event.AppliesTo(identity) {
			continue
		}
		snapshot, usable := event.Snapshot()
		if !usable {
			continue
		}
		deliver(snapshot)
	}
}
