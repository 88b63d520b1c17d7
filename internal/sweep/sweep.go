// Package sweep runs the background re-evaluation of open meetup
// transactions against wall-clock time. The sweeper is the only writer of
// time-triggered transitions: proposal expiry, confirm-window entry, and
// confirm-deadline expiry all happen here and never as a side effect of a
// user action.
//
// Each tick lists the open conversations up front, then applies the domain
// sweep to each one through the conversation store, which serializes the
// work against concurrent user actions on the same conversation. The loop
// supports graceful shutdown: cancelling the context stops new ticks and
// lets the in-flight tick finish.
package sweep

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"

	"github.com/tbourn/go-market-backend/internal/services"
)

var (
	// sweepTransitions counts transactions whose status the sweep advanced,
	// labeled by the status they arrived at.
	sweepTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meetup_sweep_transitions_total",
			Help: "Total number of sweep-driven transaction transitions.",
		},
		[]string{"to"},
	)

	// sweepTickDuration records how long a full sweep pass takes.
	sweepTickDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "meetup_sweep_tick_duration_seconds",
			Help:    "Duration of a full sweep pass over open conversations.",
			Buckets: prometheus.DefBuckets,
		},
	)

	// sweepErrors counts conversations a tick failed to evaluate.
	sweepErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "meetup_sweep_errors_total",
			Help: "Total number of sweep evaluation failures.",
		},
	)
)

func init() {
	prometheus.MustRegister(sweepTransitions, sweepTickDuration, sweepErrors)
}

// Sweeper periodically drives timeout transitions on open conversations.
type Sweeper struct {
	// Convs is the conversation store holding the transition authority.
	Convs *services.ConversationService
	// Interval between ticks. Short enough that deadline misses stay
	// bounded; a few seconds in production.
	Interval time.Duration
}

// New constructs a Sweeper with a sane default interval.
func New(convs *services.ConversationService, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Sweeper{Convs: convs, Interval: interval}
}

// Run blocks, sweeping on every tick until ctx is cancelled. The in-flight
// tick always completes before Run returns.
func (s *Sweeper) Run(ctx context.Context) {
	log.Info().Dur("interval", s.Interval).Msg("sweep loop started")
	t := time.NewTicker(s.Interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("sweep loop stopped")
			return
		case <-t.C:
			// Ticks use a background context so shutdown lets the pass
			// finish instead of aborting its writes midway.
			s.Tick(context.Background())
		}
	}
}

// Tick performs one full sweep pass and returns how many transactions it
// advanced.
func (s *Sweeper) Tick(ctx context.Context) int {
	start := time.Now()
	defer func() { sweepTickDuration.Observe(time.Since(start).Seconds()) }()

	ids, err := s.Convs.OpenConversationIDs(ctx)
	if err != nil {
		sweepErrors.Inc()
		log.Error().Err(err).Msg("sweep: listing open conversations failed")
		return 0
	}

	advanced := 0
	for _, id := range ids {
		c, res, err := s.Convs.SweepOne(ctx, id)
		if err != nil {
			// A conversation closed between listing and evaluation is not
			// an error worth alerting on.
			if err != services.ErrConversationNotFound {
				sweepErrors.Inc()
				log.Error().Err(err).Str("conversation_id", id).Msg("sweep: evaluation failed")
			}
			continue
		}
		if !res.Applied {
			continue
		}
		advanced++
		to := string(c.Transaction.MeetupStatus)
		sweepTransitions.WithLabelValues(to).Inc()
		log.Info().
			Str("conversation_id", id).
			Str("to", to).
			Msg("sweep: transaction advanced")
	}

	log.Debug().
		Int("open", len(ids)).
		Int("advanced", advanced).
		Dur("took", time.Since(start)).
		Msg("sweep: tick complete")
	return advanced
}
