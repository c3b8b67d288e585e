package devserver

import (
	"strings"
	"time"

	"github.com/go-go-golems/tether/pkg/envelope"
	"github.com/go-go-golems/tether/pkg/heartbeat"
	"github.com/go-go-golems/tether/pkg/transport"
	"github.com/google/uuid"
)

func (s *Server) readLoop(c *client) {
	_ = c.conn.SetReadDeadline(time.Now().Add(s.cfg.AuthTimeout))
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.logger.Debug().Err(err).Msg("ws read loop end")
			return
		}
		env, err := envelope.Unmarshal(data)
		if err != nil {
			c.logger.Warn().Err(err).Msg("malformed client frame")
			s.reply(c, envelope.TypeError, envelope.ErrorPayload{Message: "malformed message", Code: "bad_request"})
			continue
		}
		if !c.isAuthed() {
			if !s.authenticate(c, env) {
				return
			}
			_ = c.conn.SetReadDeadline(time.Time{})
			continue
		}
		s.handle(c, env)
	}
}

// authenticate handles the first message of a connection. It reports false
// when the connection was rejected and closed.
func (s *Server) authenticate(c *client, env envelope.Envelope) bool {
	if env.Type != envelope.TypeAuth {
		c.logger.Warn().Str("type", string(env.Type)).Msg("message before auth")
		s.reply(c, envelope.TypeError, envelope.ErrorPayload{Message: "authentication required", Code: "unauthorized"})
		c.closeWith(transport.ClosePolicyViolation, "authentication required")
		return false
	}
	var auth envelope.Auth
	_ = env.Decode(&auth)
	if !s.validToken(auth.Token) {
		c.logger.Warn().Msg("invalid token")
		s.reply(c, envelope.TypeError, envelope.ErrorPayload{Message: "invalid token", Code: "unauthorized"})
		c.closeWith(transport.CloseUnauthorized, "invalid token")
		return false
	}
	c.setAuthed()
	c.logger.Info().Msg("client authenticated")
	s.reply(c, envelope.TypeConnectionEstablished, envelope.ConnectionEstablished{ClientID: c.id})
	return true
}

func (s *Server) validToken(token string) bool {
	token = strings.TrimSpace(token)
	if token == "" {
		return false
	}
	if len(s.tokens) == 0 {
		return true
	}
	_, ok := s.tokens[token]
	return ok
}

func (s *Server) handle(c *client, env envelope.Envelope) {
	switch env.Type {
	case envelope.TypePing:
		if !s.pongEnabled.Load() {
			return
		}
		pong, err := heartbeat.PongFor(env)
		if err == nil {
			err = c.send(pong)
		}
		if err != nil {
			c.logger.Debug().Err(err).Msg("pong not sent")
		}
	case envelope.TypePong, envelope.TypeHeartbeat:
	case envelope.TypeSubscribeQuery, envelope.TypeUnsubscribeQuery:
		var sub envelope.QuerySubscription
		if err := env.Decode(&sub); err != nil || sub.QueryID == "" {
			s.reply(c, envelope.TypeError, envelope.ErrorPayload{Message: "queryId is required", Code: "bad_request"})
			return
		}
		if env.Type == envelope.TypeUnsubscribeQuery {
			c.unsubscribe(sub.QueryID)
			return
		}
		c.subscribe(sub.QueryID)
		s.reply(c, envelope.TypeSubscriptionConfirmed, envelope.SubscriptionConfirmed{QueryID: sub.QueryID})
	case envelope.TypeSubscribeWorkflow, envelope.TypeUnsubscribeWorkflow:
		var sub envelope.WorkflowSubscription
		if err := env.Decode(&sub); err != nil || sub.WorkflowID == "" {
			s.reply(c, envelope.TypeError, envelope.ErrorPayload{Message: "workflowId is required", Code: "bad_request"})
			return
		}
		if env.Type == envelope.TypeUnsubscribeWorkflow {
			c.unsubscribe(sub.WorkflowID)
			return
		}
		c.subscribe(sub.WorkflowID)
		s.reply(c, envelope.TypeSubscriptionConfirmed, envelope.SubscriptionConfirmed{WorkflowID: sub.WorkflowID})
	case envelope.TypeSubmitQuery:
		var q envelope.SubmitQuery
		if err := env.Decode(&q); err != nil || strings.TrimSpace(q.Query) == "" {
			s.reply(c, envelope.TypeError, envelope.ErrorPayload{Message: "query is required", Code: "bad_request"})
			return
		}
		if q.QueryID == "" {
			q.QueryID = uuid.NewString()
		}
		c.subscribe(q.QueryID)
		s.startQuery(q)
	default:
		c.logger.Debug().Str("type", string(env.Type)).Msg("ignoring message")
	}
}

func (s *Server) reply(c *client, t envelope.Type, data any) {
	env, err := envelope.New(t, data)
	if err == nil {
		err = c.send(env)
	}
	if err != nil {
		c.logger.Debug().Err(err).Str("type", string(t)).Msg("reply not sent")
	}
}
