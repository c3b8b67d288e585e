package main

import (
	"context"
	"fmt"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/go-go-golems/tether/pkg/eventbus"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func newWatchCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Stay connected and print lifecycle events and inbound messages",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			queries, _ := cmd.Flags().GetStringSlice("query")
			workflows, _ := cmd.Flags().GetStringSlice("workflow")

			bus, err := eventbus.New(settings.EventBus, log.Logger)
			if err != nil {
				return err
			}
			defer func() {
				if err := bus.Close(); err != nil {
					log.Warn().Err(err).Msg("close event bus")
				}
			}()
			for _, topic := range []string{eventbus.TopicEvents, eventbus.TopicInbound} {
				if err := bus.EnsureGroupAtTail(ctx, topic, settings.EventBus.Group); err != nil {
					return err
				}
			}

			events, err := bus.Subscriber.Subscribe(ctx, eventbus.TopicEvents)
			if err != nil {
				return err
			}
			inbound, err := bus.Subscriber.Subscribe(ctx, eventbus.TopicInbound)
			if err != nil {
				return err
			}

			s, err := newSession()
			if err != nil {
				return err
			}
			defer func() {
				if err := s.Close(); err != nil {
					log.Warn().Err(err).Msg("close session")
				}
			}()
			detach := eventbus.NewBridge(bus.Publisher).Attach(s)
			defer detach()

			for _, id := range queries {
				s.Subscribe(id)
			}
			for _, id := range workflows {
				s.SubscribeWorkflow(id)
			}

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				return consume(gctx, events, func(msg *message.Message) error {
					r, err := eventbus.DecodeEvent(msg)
					if err != nil {
						return err
					}
					fmt.Println(renderEvent(r))
					return nil
				})
			})
			g.Go(func() error {
				return consume(gctx, inbound, func(msg *message.Message) error {
					env, err := eventbus.DecodeInbound(msg)
					if err != nil {
						return err
					}
					fmt.Println(renderInbound(env))
					return nil
				})
			})

			if err := s.Start(settings.Session.Token); err != nil {
				return err
			}
			<-ctx.Done()
			s.Stop()
			return g.Wait()
		},
	}
	cmd.Flags().StringSlice("query", nil, "Query ids to subscribe to")
	cmd.Flags().StringSlice("workflow", nil, "Workflow ids to subscribe to")
	return cmd
}

// consume acks every message; messages that fail to decode are logged and
// dropped.
func consume(ctx context.Context, ch <-chan *message.Message, handle func(*message.Message) error) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			if err := handle(msg); err != nil {
				log.Warn().Err(err).Str("message_id", msg.UUID).Msg("dropping bus message")
			}
			msg.Ack()
		}
	}
}
