// Package relay forwards job status events to external message brokers.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/cwygoda/distillery/internal/broadcast"
	"github.com/cwygoda/distillery/internal/config"
	"github.com/cwygoda/distillery/internal/domain"
)

const publishTimeout = 5 * time.Second

// Sink delivers encoded events to one destination.
type Sink interface {
	Name() string
	Publish(ctx context.Context, data []byte) error
	Close() error
}

// Relay copies every status event from the broadcaster into its sinks.
// A failing sink is logged and skipped; it never holds up the others.
type Relay struct {
	sub   *broadcast.Subscription[domain.StatusEvent]
	sinks []Sink
	log   logrus.FieldLogger
	done  chan struct{}
}

// New subscribes to status events immediately so nothing published after
// New returns is missed.
func New(events *broadcast.Broadcaster, log logrus.FieldLogger, sinks ...Sink) *Relay {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Relay{
		sub:   events.SubscribeStatus(),
		sinks: sinks,
		log:   log.WithField("component", "relay"),
		done:  make(chan struct{}),
	}
}

// Start begins forwarding in the background.
func (r *Relay) Start() {
	go r.run()
}

func (r *Relay) run() {
	defer close(r.done)
	for ev := range r.sub.All(context.Background()) {
		data, err := json.Marshal(ev)
		if err != nil {
			r.log.WithError(err).WithField("job_id", ev.JobID).Error("encode status event")
			continue
		}
		for _, s := range r.sinks {
			ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
			if err := s.Publish(ctx, data); err != nil {
				r.log.WithError(err).WithFields(logrus.Fields{
					"sink":   s.Name(),
					"job_id": ev.JobID,
				}).Warn("relay publish failed")
			}
			cancel()
		}
	}
}

// Close stops forwarding, waits for the in-flight event and closes every
// sink. Start must have been called.
func (r *Relay) Close() error {
	r.sub.Close()
	<-r.done
	var errs []error
	for _, s := range r.sinks {
		if err := s.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", s.Name(), err))
		}
	}
	if dropped := r.sub.Dropped(); dropped > 0 {
		r.log.WithField("dropped", dropped).Warn("relay fell behind")
	}
	return errors.Join(errs...)
}

// SinksFromConfig connects every broker named in cfg. Sinks already opened
// are closed if a later one fails.
func SinksFromConfig(ctx context.Context, cfg config.RelayConfig) ([]Sink, error) {
	var sinks []Sink
	if cfg.NATSURL != "" {
		s, err := NewNATSSink(cfg.NATSURL, cfg.NATSSubject)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, s)
	}
	if cfg.RedisAddr != "" {
		s, err := NewRedisSink(ctx, cfg.RedisAddr, cfg.RedisChannel)
		if err != nil {
			for _, open := range sinks {
				open.Close()
			}
			return nil, err
		}
		sinks = append(sinks, s)
	}
	return sinks, nil
}
