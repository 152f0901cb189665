package gateway

import (
	"context"
	"encoding/json"

	"github.com/sablecrm/telebridge/pkg/protocol"
)

// MethodHandler processes a single RPC method request.
type MethodHandler func(ctx context.Context, client *Client, req *protocol.RequestFrame)

// MethodRouter maps method names to handlers.
type MethodRouter struct {
	handlers map[string]MethodHandler
	server   *Server
}

func NewMethodRouter(server *Server) *MethodRouter {
	r := &MethodRouter{
		handlers: make(map[string]MethodHandler),
		server:   server,
	}
	r.Register(protocol.MethodConnect, r.handleConnect)
	r.Register(protocol.MethodHealth, r.handleHealth)
	r.Register(protocol.MethodStatus, r.handleStatus)
	r.Register(protocol.MethodSubscribeToSession, r.handleSubscribe)
	r.Register(protocol.MethodUnsubscribeFromSession, r.handleUnsubscribe)
	return r
}

// Register adds a method handler.
func (r *MethodRouter) Register(method string, handler MethodHandler) {
	r.handlers[method] = handler
}

// Handle dispatches a request to its handler.
func (r *MethodRouter) Handle(ctx context.Context, client *Client, req *protocol.RequestFrame) {
	handler, ok := r.handlers[req.Method]
	if !ok {
		r.server.logger.Warn("unknown method", "method", req.Method, "conn_id", client.id)
		client.SendResponse(protocol.NewErrorResponse(
			req.ID, protocol.ErrInvalidRequest, "unknown method: "+req.Method))
		return
	}
	r.server.logger.Debug("handling method", "method", req.Method, "conn_id", client.id, "req_id", req.ID)
	handler(ctx, client, req)
}

func (r *MethodRouter) handleConnect(ctx context.Context, client *Client, req *protocol.RequestFrame) {
	var params struct {
		Token  string `json:"token"`
		UserID string `json:"userId"`
	}
	if req.Params != nil {
		json.Unmarshal(req.Params, &params)
	}

	// An empty configured token disables connect auth (local development).
	if token := r.server.cfg.Token; token != "" && params.Token != token {
		client.SendResponse(protocol.NewErrorResponse(
			req.ID, protocol.ErrUnauthorized, "invalid connect token"))
		return
	}

	client.userID = params.UserID
	client.authenticated.Store(true)
	client.SendResponse(protocol.NewOKResponse(req.ID, map[string]interface{}{
		"protocol": protocol.ProtocolVersion,
		"userId":   client.userID,
		"server": map[string]interface{}{
			"name": "telebridge",
		},
	}))
}

func (r *MethodRouter) handleHealth(ctx context.Context, client *Client, req *protocol.RequestFrame) {
	client.SendResponse(protocol.NewOKResponse(req.ID, map[string]interface{}{
		"status": "ok",
	}))
}

func (r *MethodRouter) handleStatus(ctx context.Context, client *Client, req *protocol.RequestFrame) {
	total, authenticated, connected := r.server.engine.Counts(ctx)
	client.SendResponse(protocol.NewOKResponse(req.ID, map[string]interface{}{
		"sessionsTotal":         total,
		"sessionsAuthenticated": authenticated,
		"sessionsConnected":     connected,
		"observers":             r.server.ClientCount(),
	}))
}

func (r *MethodRouter) handleSubscribe(ctx context.Context, client *Client, req *protocol.RequestFrame) {
	var params protocol.SubscribeParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		client.SendResponse(protocol.NewErrorResponse(
			req.ID, protocol.ErrInvalidRequest, "malformed params: "+err.Error()))
		return
	}
	if params.UserID == "" {
		params.UserID = client.userID
	}

	// The session must exist; observing a phantom session is a caller bug
	// worth surfacing immediately.
	if _, err := r.server.engine.Session(ctx, params.SessionID); err != nil {
		client.SendResponse(protocol.NewErrorResponse(
			req.ID, protocol.ErrNotFound, "unknown session: "+params.SessionID))
		return
	}

	if err := r.server.hub.Subscribe(client.id, params, client.SendEvent); err != nil {
		client.SendResponse(protocol.NewErrorResponse(
			req.ID, protocol.ErrInvalidRequest, err.Error()))
		return
	}
	client.SendResponse(protocol.NewOKResponse(req.ID, protocol.SubscribeConfirmed{
		Status:    "subscription_confirmed",
		SessionID: params.SessionID,
	}))
}

func (r *MethodRouter) handleUnsubscribe(ctx context.Context, client *Client, req *protocol.RequestFrame) {
	var params protocol.UnsubscribeParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		client.SendResponse(protocol.NewErrorResponse(
			req.ID, protocol.ErrInvalidRequest, "malformed params: "+err.Error()))
		return
	}
	r.server.hub.Unsubscribe(client.id, params.SessionID)
	client.SendResponse(protocol.NewOKResponse(req.ID, protocol.UnsubscribeConfirmed{
		Status:    "unsubscription_confirmed",
		SessionID: params.SessionID,
	}))
}
