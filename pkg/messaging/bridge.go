package messaging

import (
	"context"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/hyp3rd/coretex/pkg/consistency"
)

// Forward publishes every event from events as JSON on topic until events is
// closed or ctx is done. Publish failures are logged and skipped. It returns the
// number of events published.
func Forward(ctx context.Context, events <-chan consistency.Event, pub Publisher, topic string, logger zerolog.Logger) int {
	sent := 0

	for {
		select {
		case <-ctx.Done():
			return sent
		case ev, ok := <-events:
			if !ok {
				return sent
			}

			data, err := json.Marshal(ev)
			if err != nil {
				logger.Error().Err(err).Str("key", ev.Key).Msg("encode consistency event")

				continue
			}

			err = pub.Publish(ctx, topic, data)
			if err != nil {
				logger.Warn().Err(err).Str("topic", topic).Str("event", ev.Kind.String()).Msg("publish consistency event")

				continue
			}

			sent++
		}
	}
}
