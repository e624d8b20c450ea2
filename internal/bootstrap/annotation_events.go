package bootstrap

import (
	"time"

	"github.com/rs/zerolog"

	"annotation_server/core/service/pipeline"
)

func timeoutSec(sec int) time.Duration {
	return time.Duration(sec) * time.Second
}

// newLogNotifier bridges pipeline lifecycle events into the structured log.
// Downstream consumers (websocket pushes, metrics exporters) would hang off
// the same Notifier surface.
func newLogNotifier(log zerolog.Logger) pipeline.Notifier {
	events := log.With().Str("component", "pipeline_events").Logger()

	return pipeline.NotifierFunc(func(ev pipeline.Event) {
		switch ev.Type {
		case pipeline.EventQueued:
			events.Info().
				Int64("result_id", ev.ResultID).
				Str("priority", string(ev.Priority)).
				Msg("queued")
		case pipeline.EventClassified:
			e := events.Info().
				Int64("result_id", ev.ResultID).
				Int("attempt", ev.Attempt).
				Bool("from_cache", ev.FromCache).
				Dur("latency", ev.Latency)
			if ev.Annotation != nil {
				e = e.Str("domain_type", string(ev.Annotation.DomainType)).
					Float64("factual_score", ev.Annotation.FactualScore)
			}
			e.Msg("classified")
		case pipeline.EventRetry:
			events.Warn().
				Int64("result_id", ev.ResultID).
				Int("attempt", ev.Attempt).
				Dur("retry_in", ev.Delay).
				Err(ev.Err).
				Msg("retry scheduled")
		case pipeline.EventFailed:
			events.Error().
				Int64("result_id", ev.ResultID).
				Int("attempt", ev.Attempt).
				Err(ev.Err).
				Msg("permanently failed")
		case pipeline.EventError:
			events.Error().Err(ev.Err).Msg("pipeline error")
		case pipeline.EventStarted:
			events.Info().Msg("pipeline started")
		case pipeline.EventStopped:
			events.Info().Msg("pipeline stopped")
		}
	})
}
