package metrics

import (
	"time"

	"github.com/droverlabs/drover/pkg/events"
	"github.com/droverlabs/drover/pkg/keyspace"
	"github.com/droverlabs/drover/pkg/store"
)

// Collector keeps the gauges current. Counters are bumped at the call
// sites; queue depths and HITL backlogs are polled here, and lifecycle
// events from the broker feed the event-driven counters.
type Collector struct {
	store   store.Store
	broker  *events.Broker
	tenants func() []string
	stopCh  chan struct{}
}

// NewCollector creates a collector. tenants supplies the currently-known
// tenant IDs on each poll so new tenants are picked up without restarts.
func NewCollector(s store.Store, broker *events.Broker, tenants func() []string) *Collector {
	return &Collector{
		store:   s,
		broker:  broker,
		tenants: tenants,
		stopCh:  make(chan struct{}),
	}
}

// Start begins collecting metrics
func (c *Collector) Start() {
	sub := c.broker.Subscribe()
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		c.collect()

		for {
			select {
			case ev, ok := <-sub:
				if !ok {
					ticker.Stop()
					return
				}
				c.observe(ev)
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				c.broker.Unsubscribe(sub)
				return
			}
		}
	}()
}

// Stop stops the collector
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) observe(ev *events.Event) {
	switch ev.Type {
	case events.EventJudgeApproved:
		JudgeDecisions.WithLabelValues(ev.TenantID, "approve").Inc()
	case events.EventJudgeRejected:
		JudgeDecisions.WithLabelValues(ev.TenantID, "reject").Inc()
	case events.EventJudgeEscalated:
		JudgeDecisions.WithLabelValues(ev.TenantID, "escalate").Inc()
	case events.EventOCCConflict:
		OCCConflicts.WithLabelValues(ev.TenantID).Inc()
	case events.EventBudgetRefused:
		BudgetRefusals.WithLabelValues(ev.TenantID, ev.Message).Inc()
	case events.EventHITLDecided:
		HITLVerdicts.WithLabelValues(ev.TenantID, ev.Message).Inc()
	case events.EventPerceptionMatch:
		PerceptionMatches.WithLabelValues(ev.TenantID).Inc()
	}
}

func (c *Collector) collect() {
	for _, tenant := range c.tenants() {
		ks := keyspace.For(tenant)

		for name, queue := range map[string]string{
			"task":   ks.TaskQueue(),
			"review": ks.ReviewQueue(),
			"hitl":   ks.HITLQueue(),
		} {
			depth, err := c.store.Depth(queue)
			if err != nil {
				continue
			}
			QueueDepth.WithLabelValues(tenant, name).Set(float64(depth))
		}

		items, err := c.store.List(ks.HITLPrefix())
		if err == nil {
			HITLPending.WithLabelValues(tenant).Set(float64(len(items)))
		}
	}
}
