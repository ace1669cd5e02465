package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"

	"github.com/quietwire/server/internal/bus"
)

func TestObserverCounts(t *testing.T) {
	b := bus.New()
	reg := prometheus.NewRegistry()
	o := NewObserver(b, reg, zap.NewNop())
	o.Start()

	for _, kind := range []string{
		bus.KindMessageStored,
		bus.KindMessageStored,
		bus.KindDeliveredLive,
		bus.KindBuffered,
		bus.KindStatusChanged,
		bus.KindClearExecuted,
		bus.KindPresenceOnline,
		bus.KindPresenceOffline,
	} {
		b.Publish(bus.Event{Kind: kind, Timestamp: time.Now()})
	}
	o.Stop()

	if got := testutil.ToFloat64(o.messagesStored); got != 2 {
		t.Errorf("messages stored = %v, want 2", got)
	}
	if got := testutil.ToFloat64(o.deliveries.WithLabelValues("live")); got != 1 {
		t.Errorf("live deliveries = %v, want 1", got)
	}
	if got := testutil.ToFloat64(o.deliveries.WithLabelValues("buffered")); got != 1 {
		t.Errorf("buffered deliveries = %v, want 1", got)
	}
	if got := testutil.ToFloat64(o.statusChanges); got != 1 {
		t.Errorf("status changes = %v, want 1", got)
	}
	if got := testutil.ToFloat64(o.clears); got != 1 {
		t.Errorf("clears = %v, want 1", got)
	}
	if got := testutil.ToFloat64(o.presence.WithLabelValues("online")); got != 1 {
		t.Errorf("presence online = %v, want 1", got)
	}
}

func TestObserverStopIdempotent(t *testing.T) {
	b := bus.New()
	o := NewObserver(b, prometheus.NewRegistry(), zap.NewNop())
	o.Start()
	o.Stop()
	o.Stop()
}
