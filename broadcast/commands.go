package broadcast

import (
	"context"
	"encoding/json"
	"strings"
	"time"
)

// command is the single client->server frame shape. Fields beyond Type are
// populated per command.
type command struct {
	Type             string   `json:"type"`
	Streams          []string `json:"streams,omitempty"`
	Resource         string   `json:"resource,omitempty"`
	Action           string   `json:"action,omitempty"`
	RecommendationID string   `json:"recommendationId,omitempty"`
}

// Resources a client may request synchronously.
var requestableResources = map[string]bool{
	"metrics":         true,
	"recommendations": true,
	"competitors":     true,
}

// Actions a client may republish to the requests stream.
var allowedActions = map[string]bool{
	"approve-recommendation": true,
	"reject-recommendation":  true,
}

// handleCommand parses and executes one client frame. Malformed or unknown
// frames get a scoped error reply; they never affect other clients.
func (s *Service) handleCommand(ctx context.Context, c *client, data []byte) {
	var cmd command
	if err := json.Unmarshal(data, &cmd); err != nil {
		s.sendError(c, "malformed message")
		return
	}

	s.metrics.recordCommand(cmd.Type)

	switch cmd.Type {
	case "ping":
		c.alive.Store(true)
		s.sendFrame(c, pongFrame{Type: TypePong, Timestamp: time.Now()})

	case "subscribe":
		s.sendFrame(c, streamsFrame{Type: TypeSubscribed, Streams: c.subscribe(cmd.Streams)})

	case "unsubscribe":
		s.sendFrame(c, streamsFrame{Type: TypeUnsubscribed, Streams: c.unsubscribe(cmd.Streams)})

	case "request":
		s.handleRequest(ctx, c, cmd.Resource)

	case "action":
		s.handleAction(ctx, c, cmd)

	default:
		s.sendError(c, "unknown message type: "+cmd.Type)
	}
}

// handleRequest answers a named resource from the durable store, not the
// stream.
func (s *Service) handleRequest(ctx context.Context, c *client, resource string) {
	if !requestableResources[resource] {
		s.sendError(c, "unknown resource: "+resource)
		return
	}

	data, err := s.store.Resource(ctx, resource)
	if err != nil {
		s.logger.Warn("resource request failed", "client_id", c.id, "resource", resource, "error", err)
		s.sendError(c, "resource unavailable: "+resource)
		return
	}
	s.sendFrame(c, resourceFrame{Type: resource, Data: data, Timestamp: time.Now()})
}

// handleAction republishes a client action to the requests stream for
// downstream workers. Fire-and-forget: append failures are logged, never
// retried here, and never fail the connection.
func (s *Service) handleAction(ctx context.Context, c *client, cmd command) {
	if !allowedActions[cmd.Action] {
		s.sendError(c, "unknown action: "+cmd.Action)
		return
	}
	if cmd.RecommendationID == "" {
		s.sendError(c, "action requires recommendationId")
		return
	}

	fields := map[string]string{
		"action":           strings.TrimSuffix(cmd.Action, "-recommendation"),
		"recommendationId": cmd.RecommendationID,
		"clientId":         c.id,
		"timestamp":        time.Now().UTC().Format(time.RFC3339),
	}
	id, err := s.log.Append(ctx, s.cfg.RequestsSubject, fields)
	if err != nil {
		s.logger.Warn("action append failed",
			"client_id", c.id,
			"action", cmd.Action,
			"recommendation_id", cmd.RecommendationID,
			"error", err)
		return
	}
	s.metrics.recordAction()
	s.logger.Info("action republished",
		"client_id", c.id,
		"action", cmd.Action,
		"recommendation_id", cmd.RecommendationID,
		"entry_id", id)
}

func (s *Service) sendError(c *client, message string) {
	s.sendFrame(c, errorFrame{Type: TypeError, Message: message})
}
