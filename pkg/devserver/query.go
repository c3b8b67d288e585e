package devserver

import (
	"context"
	"strings"
	"time"

	"github.com/go-go-golems/tether/pkg/envelope"
)

func echoAnswer(_ context.Context, query, operation string) (string, error) {
	switch strings.ToLower(operation) {
	case "upper":
		return strings.ToUpper(query), nil
	case "reverse":
		words := strings.Fields(query)
		for i, j := 0, len(words)-1; i < j; i, j = i+1, j-1 {
			words[i], words[j] = words[j], words[i]
		}
		return strings.Join(words, " "), nil
	default:
		return query, nil
	}
}

// startQuery answers q in the background, streaming one query_update per
// word to every client subscribed to q.QueryID and finishing with a
// complete update carrying the full text.
func (s *Server) startQuery(q envelope.SubmitQuery) {
	if !s.track() {
		return
	}
	s.recordSubmission(time.Now())
	s.activeQueries.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.activeQueries.Add(-1)
		logger := s.logger.With().Str("query_id", q.QueryID).Logger()

		text, err := s.answer(s.ctx, q.Query, q.Operation)
		if err != nil {
			logger.Warn().Err(err).Msg("query failed")
			s.publishQuery(envelope.QueryUpdate{QueryID: q.QueryID, Complete: true, Status: "error", ResponseText: err.Error()})
			return
		}

		words := strings.Fields(text)
		for i, w := range words {
			if i > 0 {
				w = " " + w
			}
			if !s.sleep(s.cfg.ChunkDelay) {
				return
			}
			s.publishQuery(envelope.QueryUpdate{QueryID: q.QueryID, Chunk: w, Status: "streaming"})
		}
		s.publishQuery(envelope.QueryUpdate{QueryID: q.QueryID, Complete: true, ResponseText: text, Status: "completed"})
		logger.Debug().Int("chunks", len(words)).Msg("query answered")
	}()
}

func (s *Server) publishQuery(u envelope.QueryUpdate) {
	env, err := envelope.New(envelope.TypeQueryUpdate, u)
	if err != nil {
		return
	}
	s.pool.broadcast(env, func(c *client) bool { return c.subscribed(u.QueryID) })
}

func (s *Server) sleep(d time.Duration) bool {
	if d <= 0 {
		return s.ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-s.ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
