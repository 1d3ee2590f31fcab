package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/opsdeck/shellgate/internal/gateway"
	"github.com/opsdeck/shellgate/internal/logutil"
	"github.com/opsdeck/shellgate/internal/pump"
	"github.com/opsdeck/shellgate/internal/registry"
	"github.com/opsdeck/shellgate/internal/sshpool"
)

// terminalRateLimit is the maximum number of messages per second per
// WebSocket connection. Messages beyond this rate are dropped.
const terminalRateLimit = 200

// terminalRateBurst is the token bucket burst size, allowing short bursts of
// rapid input (e.g. paste operations) before rate limiting kicks in.
const terminalRateBurst = 200

// TerminalWS serves one browser terminal over a WebSocket.
//
// Query parameters:
//   - host_id: host to open a shell on (required for a new session)
//   - session_id: (optional) rebind to an existing inactive session
//
// Terminal output arrives as binary frames; lifecycle events (opened, closed,
// error, block notices as output) use the JSON envelope. Input is binary;
// resize and close are JSON text frames.
func TerminalWS(w http.ResponseWriter, r *http.Request) {
	userID, tenantID, ok := identity(r)
	if !ok {
		http.Error(w, "Missing identity headers", http.StatusUnauthorized)
		return
	}

	sessionID := r.URL.Query().Get("session_id")
	var hostID uint
	if raw := r.URL.Query().Get("host_id"); raw != "" {
		id, err := strconv.Atoi(raw)
		if err != nil || id <= 0 {
			http.Error(w, "Invalid host ID", http.StatusBadRequest)
			return
		}
		hostID = uint(id)
	}
	if sessionID == "" && hostID == 0 {
		http.Error(w, "host_id or session_id required", http.StatusBadRequest)
		return
	}

	clientConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		log.Printf("[handlers] terminal websocket accept failed: %v", err)
		return
	}
	defer clientConn.CloseNow()
	clientConn.SetReadLimit(1024 * 1024)

	ctx := r.Context()
	transportID := uuid.New().String()
	defer Gate.OnTransportGone(transportID)

	cols, rows := parseDims(r)

	s, err := Gate.Open(ctx, gateway.OpenParams{
		UserID:      userID,
		TenantID:    tenantID,
		HostID:      hostID,
		SessionID:   sessionID,
		TransportID: transportID,
		ClientIP:    r.RemoteAddr,
		Cols:        cols,
		Rows:        rows,
		Output: func(data []byte) error {
			return clientConn.Write(ctx, websocket.MessageBinary, data)
		},
		Closed: func(reason string) {
			env, _ := json.Marshal(gateway.ServerMessage{Kind: gateway.KindClosed, Reason: reason})
			wctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			clientConn.Write(wctx, websocket.MessageText, env)
			clientConn.Close(websocket.StatusNormalClosure, reason)
		},
	})
	if err != nil {
		log.Printf("[handlers] terminal open failed (user=%s host=%d): %v", logutil.SanitizeForLog(userID), hostID, err)
		closeOnOpenError(ctx, clientConn, err)
		return
	}

	opened, _ := json.Marshal(gateway.ServerMessage{Kind: gateway.KindOpened, SessionID: s.ID})
	if err := clientConn.Write(ctx, websocket.MessageText, opened); err != nil {
		return
	}

	limiter := newTokenBucket(terminalRateBurst, terminalRateLimit)

	// Browser -> shell stdin
	for {
		msgType, data, err := clientConn.Read(ctx)
		if err != nil {
			return
		}
		if !limiter.allow() {
			continue
		}

		if msgType == websocket.MessageBinary {
			if len(data) > pump.MaxInputMessageSize {
				log.Printf("[handlers] terminal input too large: session=%s size=%d", s.ID, len(data))
				continue
			}
			if err := Gate.Input(s.ID, data); err != nil {
				if errors.Is(err, pump.ErrStopped) || errors.Is(err, gateway.ErrNoDriver) {
					return
				}
				continue
			}
			continue
		}

		var msg gateway.ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		switch msg.Kind {
		case gateway.KindResize:
			cols, rows := clampDims(msg.Cols, msg.Rows)
			if cols > 0 && rows > 0 {
				if err := Gate.Resize(s.ID, cols, rows); err != nil {
					log.Printf("[handlers] terminal resize failed: session=%s %dx%d: %v", s.ID, cols, rows, err)
				}
			}
		case gateway.KindInput:
			if len(msg.Data) > pump.MaxInputMessageSize {
				continue
			}
			Gate.Input(s.ID, []byte(msg.Data))
		case gateway.KindClose:
			Gate.CloseSession(s.ID, "closed by user")
			clientConn.Close(websocket.StatusNormalClosure, "")
			return
		}
	}
}

// closeOnOpenError maps an open failure onto a close code plus an error
// envelope so the browser can show a reason.
func closeOnOpenError(ctx context.Context, conn *websocket.Conn, err error) {
	var code websocket.StatusCode = 4500
	switch {
	case errors.Is(err, gateway.ErrHostNotFound):
		code = 4004
	case errors.Is(err, gateway.ErrHostDisabled):
		code = 4403
	case errors.Is(err, registry.ErrSessionLimitExceeded):
		code = 4429
	case errors.Is(err, registry.ErrNotFound), errors.Is(err, registry.ErrNotOwner):
		code = 4404
	case errors.Is(err, sshpool.ErrAuth):
		code = 4401
	case errors.Is(err, sshpool.ErrPoolSaturated):
		code = 4503
	}
	env, _ := json.Marshal(gateway.ServerMessage{Kind: gateway.KindError, Message: err.Error()})
	conn.Write(ctx, websocket.MessageText, env)
	conn.Close(code, "open failed")
}

func parseDims(r *http.Request) (cols, rows uint16) {
	if c, err := strconv.Atoi(r.URL.Query().Get("cols")); err == nil && c > 0 {
		cols = uint16(c)
	}
	if rr, err := strconv.Atoi(r.URL.Query().Get("rows")); err == nil && rr > 0 {
		rows = uint16(rr)
	}
	return clampDims(cols, rows)
}

func clampDims(cols, rows uint16) (uint16, uint16) {
	if cols > pump.MaxCols {
		cols = pump.MaxCols
	}
	if rows > pump.MaxRows {
		rows = pump.MaxRows
	}
	return cols, rows
}

// tokenBucket is a simple token bucket rate limiter for terminal messages.
type tokenBucket struct {
	tokens     int
	maxTokens  int
	refillRate int // tokens added per second
	lastRefill time.Time
}

func newTokenBucket(maxTokens, refillRate int) *tokenBucket {
	return &tokenBucket{
		tokens:     maxTokens,
		maxTokens:  maxTokens,
		refillRate: refillRate,
		lastRefill: time.Now(),
	}
}

// allow checks if a message is allowed and consumes a token.
func (tb *tokenBucket) allow() bool {
	now := time.Now()
	elapsed := now.Sub(tb.lastRefill)
	tb.lastRefill = now

	tb.tokens += int(elapsed.Seconds() * float64(tb.refillRate))
	if tb.tokens > tb.maxTokens {
		tb.tokens = tb.maxTokens
	}

	if tb.tokens <= 0 {
		return false
	}
	tb.tokens--
	return true
}
