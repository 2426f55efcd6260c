package handler

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-runner/internal/events"
	"github.com/stemsi/exstem-runner/internal/middleware"
	"github.com/stemsi/exstem-runner/internal/model"
	"github.com/stemsi/exstem-runner/internal/response"
	"github.com/stemsi/exstem-runner/internal/service"
	ws "github.com/stemsi/exstem-runner/internal/websocket"
)

// buildUpgrader creates a WebSocket upgrader with origin validation.
// allowedOrigins comes from config.Config.AllowedOrigins.
// An empty slice permits all origins (development mode).
func buildUpgrader(allowedOrigins []string) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			if len(allowedOrigins) == 0 {
				return true
			}
			origin := r.Header.Get("Origin")
			for _, allowed := range allowedOrigins {
				if strings.EqualFold(allowed, origin) {
					return true
				}
			}
			return false
		},
	}
}

// WSHandler streams runner events to page clients and accepts logged
// interactions from them.
type WSHandler struct {
	runner    *service.RunnerService
	publisher *events.Publisher
	log       zerolog.Logger
	upgrader  websocket.Upgrader
}

// NewWSHandler creates a new WSHandler.
func NewWSHandler(runner *service.RunnerService, publisher *events.Publisher, log zerolog.Logger, allowedOrigins []string) *WSHandler {
	return &WSHandler{
		runner:    runner,
		publisher: publisher,
		log:       log.With().Str("component", "ws_handler").Logger(),
		upgrader:  buildUpgrader(allowedOrigins),
	}
}

// EventStream godoc
// WS /ws/v1/events?token=...
// Pushes timer ticks, expiries, navigations and session expiry.
func (h *WSHandler) EventStream(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}
	if err := h.runner.Authorize(claims.SessionID); err != nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrSessionInvalidated)
		return
	}

	sub, err := h.publisher.Subscribe(c.Request.Context())
	if err != nil {
		h.log.Error().Err(err).Msg("Event subscription failed")
		response.Fail(c, http.StatusServiceUnavailable, response.ErrInternal)
		return
	}
	defer sub.Close()

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Error().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	defer conn.Close()

	wsLog := h.log.With().Str("session_id", claims.SessionID).Logger()
	wsLog.Info().Msg("Client connected")

	// Data frames need a single writer; control frames do not.
	var writeMu sync.Mutex
	write := func(v any) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		return ws.WriteTyped(conn, v)
	}

	done := make(chan struct{})
	go h.pump(conn, sub, write, done, wsLog)

	ws.KeepAlive(conn)
	for {
		var msg ws.RequestPayload
		if err := ws.ReadJSON(conn, &msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				wsLog.Warn().Err(err).Msg("Unexpected close")
			} else {
				wsLog.Debug().Msg("Connection closed")
			}
			break
		}
		h.handleAction(c, &msg, write)
	}
	close(done)
}

// pump forwards published events and keeps the connection alive.
func (h *WSHandler) pump(conn *websocket.Conn, sub *events.Subscription, write func(any) error, done <-chan struct{}, log zerolog.Logger) {
	ping := time.NewTicker(ws.PingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-done:
			return
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			if err := write(ws.NoticeResponse{Event: ws.EventNotice, Notice: ev}); err != nil {
				log.Debug().Err(err).Msg("Event write failed")
				return
			}
			if ev.Type == events.TypeSessionExpired {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "session expired"),
					time.Now().Add(time.Second))
				return
			}
		case <-ping.C:
			if err := ws.WritePing(conn); err != nil {
				return
			}
		}
	}
}

func (h *WSHandler) handleAction(c *gin.Context, msg *ws.RequestPayload, write func(any) error) {
	ctx := c.Request.Context()

	switch msg.Action {
	case ws.ActionPing:
		_ = write(ws.PongResponse{Event: ws.EventPong})

	case ws.ActionOperation:
		if msg.EventType == "" {
			_ = write(ws.ErrorResponse{Event: ws.EventError, Error: "event_type is required"})
			return
		}
		accepted, err := h.runner.RecordOperation(ctx, model.Operation{
			TargetElement: msg.TargetElement,
			EventType:     model.EventType(msg.EventType),
			Value:         msg.Value,
		})
		if err != nil {
			_ = write(ws.ErrorResponse{Event: ws.EventError, Error: "no active session"})
			return
		}
		_ = write(ws.AckResponse{Event: ws.EventAck, Action: msg.Action, Accepted: accepted})

	case ws.ActionAnswer:
		if msg.TargetElement == "" {
			_ = write(ws.ErrorResponse{Event: ws.EventError, Error: "target_element is required"})
			return
		}
		if err := h.runner.CollectAnswer(ctx, model.Answer{TargetElement: msg.TargetElement, Value: msg.Answer}); err != nil {
			_ = write(ws.ErrorResponse{Event: ws.EventError, Error: "no active session"})
			return
		}
		_ = write(ws.AckResponse{Event: ws.EventAck, Action: msg.Action, Accepted: true})

	default:
		h.log.Warn().Str("action", string(msg.Action)).Msg("Unknown action")
		_ = write(ws.ErrorResponse{Event: ws.EventError, Error: "unknown action: " + string(msg.Action)})
	}
}
