package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	stdhttp "net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/wirechat-sync/internal/auth"
	"github.com/vovakirdan/wirechat-sync/internal/config"
	"github.com/vovakirdan/wirechat-sync/internal/proto"
	"github.com/vovakirdan/wirechat-sync/internal/relay"
	"github.com/vovakirdan/wirechat-sync/internal/utils"
)

const (
	helloTimeout = 10 * time.Second
	// frameOverhead leaves room for the JSON envelope around a maximal payload.
	frameOverhead = 4 << 10
)

var errHandshake = errors.New("handshake rejected")

// WSHandler upgrades HTTP connections and bridges them to relay.Client.
type WSHandler struct {
	hub  *relay.Hub
	auth *auth.Service
	cfg  *config.Config
	log  *zerolog.Logger
}

// NewWSHandler builds a new WebSocket handler. authService may be nil when no
// JWT secret is configured.
func NewWSHandler(hub *relay.Hub, authService *auth.Service, cfg *config.Config, logger *zerolog.Logger) stdhttp.Handler {
	return &WSHandler{hub: hub, auth: authService, cfg: cfg, log: logger}
}

func (h *WSHandler) ServeHTTP(w stdhttp.ResponseWriter, r *stdhttp.Request) {
	ctx := r.Context()

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		h.log.Error().Err(err).Msg("ws accept error")
		return
	}
	defer conn.Close(websocket.StatusInternalError, "internal error")
	if h.cfg.MaxMessageBytes > 0 {
		conn.SetReadLimit(h.cfg.MaxMessageBytes + frameOverhead)
	}

	user, err := h.handshake(ctx, conn)
	if err != nil {
		if errors.Is(err, errHandshake) {
			conn.Close(websocket.StatusPolicyViolation, "handshake rejected")
		}
		h.log.Debug().Err(err).Msg("ws handshake failed")
		return
	}

	client := relay.NewClient(utils.NewID(), user)
	h.hub.RegisterClient(client)
	defer h.hub.UnregisterClient(client)

	if err := wsjson.Write(ctx, conn, proto.Outbound{
		Type:  proto.OutboundTypeEvent,
		Event: proto.EventWelcome,
		Data:  proto.EventWelcomeData{ClientID: client.ID, User: user, Protocol: proto.ProtocolVersion},
	}); err != nil {
		h.log.Warn().Err(err).Str("client_id", client.ID).Msg("write welcome")
		return
	}
	h.log.Debug().Str("client_id", client.ID).Str("user", user).Msg("ws client connected")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// The write loop is the only writer once it starts, so the read loop
	// hands protocol errors to it.
	replies := make(chan proto.Outbound, 8)
	errCh := make(chan error, 2)
	go func() {
		errCh <- h.readLoop(ctx, conn, client, replies)
	}()
	go func() {
		errCh <- h.writeLoop(ctx, conn, client, replies)
	}()

	err = <-errCh
	cancel() // stop the other goroutine
	<-errCh

	status := websocket.StatusNormalClosure
	reason := "closing"
	if err != nil && !errors.Is(err, context.Canceled) {
		if errors.Is(err, io.EOF) {
			err = nil
		}
		if s := websocket.CloseStatus(err); s != -1 {
			status = s
		}
		if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
			err = nil
		}
		if err != nil {
			if status == websocket.StatusNormalClosure {
				status = websocket.StatusInternalError
			}
			reason = err.Error()
			h.log.Warn().Err(err).Str("client_id", client.ID).Msg("ws connection closed with error")
		}
	}

	conn.Close(status, reason)
}

// handshake reads the hello frame and resolves the connecting user.
func (h *WSHandler) handshake(ctx context.Context, conn *websocket.Conn) (string, error) {
	hctx, cancel := context.WithTimeout(ctx, helloTimeout)
	defer cancel()

	var inbound proto.Inbound
	if err := wsjson.Read(hctx, conn, &inbound); err != nil {
		return "", err
	}
	if inbound.Type != proto.InboundTypeHello {
		return "", h.reject(ctx, conn, proto.ErrCodeBadRequest, "hello required")
	}
	var hello proto.HelloData
	if len(inbound.Data) > 0 {
		if err := json.Unmarshal(inbound.Data, &hello); err != nil {
			return "", h.reject(ctx, conn, proto.ErrCodeBadRequest, "invalid hello")
		}
	}
	if hello.Protocol != 0 && hello.Protocol != proto.ProtocolVersion {
		return "", h.reject(ctx, conn, proto.ErrCodeUnsupportedVersion, "unsupported protocol version")
	}

	switch {
	case hello.Token != "" && h.auth != nil:
		claims, err := h.auth.ValidateToken(hello.Token)
		if err != nil {
			h.log.Debug().Err(err).Msg("invalid hello token")
			return "", h.reject(ctx, conn, proto.ErrCodeUnauthorized, "invalid token")
		}
		return claims.UserID, nil
	case h.cfg.JWTRequired:
		return "", h.reject(ctx, conn, proto.ErrCodeUnauthorized, "token required")
	default:
		return "", nil
	}
}

func (h *WSHandler) reject(ctx context.Context, conn *websocket.Conn, code, msg string) error {
	if err := wsjson.Write(ctx, conn, proto.Outbound{
		Type:  proto.OutboundTypeError,
		Error: &proto.Error{Code: code, Msg: msg},
	}); err != nil {
		return err
	}
	return errHandshake
}

func (h *WSHandler) readLoop(ctx context.Context, conn *websocket.Conn, client *relay.Client, replies chan<- proto.Outbound) error {
	limiter := newRateLimiter(h.cfg.PublishRateLimit)
	for {
		var inbound proto.Inbound
		if err := wsjson.Read(ctx, conn, &inbound); err != nil {
			h.log.Debug().Err(err).Str("client_id", client.ID).Msg("read ws inbound")
			return err
		}

		cmd, protoErr, err := inboundToCommand(inbound, h.cfg.MaxMessageBytes)
		if err != nil {
			h.log.Warn().Err(err).Str("client_id", client.ID).Msg("failed to map inbound")
			protoErr = &proto.Error{Code: proto.ErrCodeBadRequest, Msg: "malformed frame data"}
		}
		if protoErr == nil && cmd.Kind == relay.CommandPublish && !limiter.Allow() {
			protoErr = &proto.Error{Code: proto.ErrCodeRateLimited, Msg: "publish rate exceeded"}
		}
		if protoErr != nil {
			select {
			case replies <- proto.Outbound{Type: proto.OutboundTypeError, Error: protoErr}:
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}

		select {
		case client.Commands <- cmd:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (h *WSHandler) writeLoop(ctx context.Context, conn *websocket.Conn, client *relay.Client, replies <-chan proto.Outbound) error {
	for {
		select {
		case event, ok := <-client.Events:
			if !ok {
				return nil
			}
			if err := wsjson.Write(ctx, conn, outboundFromEvent(event)); err != nil {
				h.log.Error().Err(err).Str("client_id", client.ID).Msg("write ws event")
				return err
			}
		case out := <-replies:
			if err := wsjson.Write(ctx, conn, out); err != nil {
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
