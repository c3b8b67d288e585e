package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-go-golems/tether/pkg/envelope"
	"github.com/go-go-golems/tether/pkg/eventbus"
	"github.com/go-go-golems/tether/pkg/session"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

// newSession builds a session from the loaded settings.
func newSession() (*session.Session, error) {
	q, err := settings.OpenQueue()
	if err != nil {
		return nil, err
	}
	opts := append(settings.SessionOptions(log.Logger), session.WithQueue(q))
	s, err := session.New(opts...)
	if err != nil {
		_ = q.Close()
		return nil, err
	}
	return s, nil
}

func newQueryCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "query [text...]",
		Short: "Submit a query and print the streamed answer",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, _ := cmd.Flags().GetString("id")
			if id == "" {
				id = uuid.NewString()
			}
			operation, _ := cmd.Flags().GetString("operation")
			timeout, _ := cmd.Flags().GetDuration("timeout")

			s, err := newSession()
			if err != nil {
				return err
			}
			defer func() {
				if err := s.Close(); err != nil {
					log.Warn().Err(err).Msg("close session")
				}
			}()

			done := make(chan envelope.QueryUpdate, 1)
			s.Router().OnQueryUpdate(func(u envelope.QueryUpdate) {
				if u.Chunk != "" {
					fmt.Print(u.Chunk)
				}
				if u.Complete {
					select {
					case done <- u:
					default:
					}
				}
			})
			failed := make(chan *session.Failure, 1)
			s.OnEvent(func(ev session.Event) {
				if ev.Kind != session.EventStateChanged && ev.Kind != session.EventQualityChanged {
					fmt.Fprintln(os.Stderr, renderEvent(eventbus.RecordFor(ev)))
				}
				if ev.Kind == session.EventFailed {
					select {
					case failed <- ev.Failure:
					default:
					}
				}
			})

			s.Subscribe(id)
			if err := s.SubmitQuery(id, strings.Join(args, " "), operation); err != nil {
				return err
			}
			if err := s.Start(settings.Session.Token); err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			select {
			case u := <-done:
				fmt.Println()
				if u.Status == "error" {
					return errors.Errorf("query %s failed: %s", id, u.ResponseText)
				}
				return nil
			case f := <-failed:
				return errors.Wrap(f, "session failed")
			case <-ctx.Done():
				return errors.Wrapf(ctx.Err(), "waiting for query %s (%d queued)", id, s.QueueLen())
			}
		},
	}
	cmd.Flags().String("id", "", "Query id (default: random uuid)")
	cmd.Flags().String("operation", "", "Operation hint passed to the server")
	cmd.Flags().Duration("timeout", 2*time.Minute, "Give up after this long")
	return cmd
}
