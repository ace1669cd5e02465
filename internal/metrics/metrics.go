// Package metrics exposes relay counters to Prometheus. The observer
// consumes the domain event bus so the relay pipeline never touches
// prometheus types directly.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/quietwire/server/internal/bus"
)

// Observer subscribes to the event bus and translates domain events
// into counters.
type Observer struct {
	bus *bus.Bus
	log *zap.Logger

	messagesStored prometheus.Counter
	deliveries     *prometheus.CounterVec
	statusChanges  prometheus.Counter
	clears         prometheus.Counter
	presence       *prometheus.CounterVec

	unsubscribe func()
	wg          sync.WaitGroup
}

func NewObserver(b *bus.Bus, reg prometheus.Registerer, log *zap.Logger) *Observer {
	o := &Observer{
		bus: b,
		log: log.Named("metrics"),
		messagesStored: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "quietwire_messages_stored_total",
			Help: "Messages persisted by the relay.",
		}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "quietwire_deliveries_total",
			Help: "Delivery attempts by outcome.",
		}, []string{"outcome"}),
		statusChanges: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "quietwire_status_changes_total",
			Help: "Delivery status transitions applied.",
		}),
		clears: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "quietwire_conversations_cleared_total",
			Help: "Conversation clears executed.",
		}),
		presence: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "quietwire_presence_events_total",
			Help: "Presence transitions by direction.",
		}, []string{"direction"}),
	}
	reg.MustRegister(o.messagesStored, o.deliveries, o.statusChanges, o.clears, o.presence)
	return o
}

// Start launches the consumer goroutine.
func (o *Observer) Start() {
	ch, unsubscribe := o.bus.Subscribe("", 256)
	o.unsubscribe = unsubscribe
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		for evt := range ch {
			o.observe(evt)
		}
	}()
}

// Stop unsubscribes and waits for the consumer to drain.
func (o *Observer) Stop() {
	if o.unsubscribe == nil {
		return
	}
	o.unsubscribe()
	o.wg.Wait()
}

func (o *Observer) observe(evt bus.Event) {
	switch evt.Kind {
	case bus.KindMessageStored:
		o.messagesStored.Inc()
	case bus.KindDeliveredLive:
		o.deliveries.WithLabelValues("live").Inc()
	case bus.KindBuffered:
		o.deliveries.WithLabelValues("buffered").Inc()
	case bus.KindBufferFlushed:
		o.deliveries.WithLabelValues("flushed").Inc()
	case bus.KindStatusChanged:
		o.statusChanges.Inc()
	case bus.KindClearExecuted:
		o.clears.Inc()
	case bus.KindPresenceOnline:
		o.presence.WithLabelValues("online").Inc()
	case bus.KindPresenceOffline:
		o.presence.WithLabelValues("offline").Inc()
	}
}
