// The stats service collects counters for the alert lifecycle and
// exposes them as a Prometheus gatherer, served by the httpd service
// on /metrics when enabled.
package stats

import (
	"github.com/prometheus/client_golang/prometheus"
)

type Service struct {
	enabled  bool
	registry *prometheus.Registry

	alertsRaised   prometheus.Counter
	alertsResolved prometheus.Counter
	alertsExpired  prometheus.Counter
	blockedRaises  prometheus.Counter
	deliveries     prometheus.Counter
	deliveryFails  prometheus.Counter
	sweeps         prometheus.Counter
	sweepFails     prometheus.Counter
}

func NewService(c Config) *Service {
	s := &Service{
		enabled:  c.Enabled,
		registry: prometheus.NewRegistry(),
		alertsRaised: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "siren",
			Name:      "alerts_raised_total",
			Help:      "Number of SOS alerts raised.",
		}),
		alertsResolved: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "siren",
			Name:      "alerts_resolved_total",
			Help:      "Number of SOS alerts resolved by their sender.",
		}),
		alertsExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "siren",
			Name:      "alerts_expired_total",
			Help:      "Number of SOS alerts expired by the sweeper.",
		}),
		blockedRaises: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "siren",
			Name:      "blocked_raises_total",
			Help:      "Number of raise attempts rejected because the sender is blocked.",
		}),
		deliveries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "siren",
			Name:      "push_deliveries_total",
			Help:      "Number of successful push fan-outs.",
		}),
		deliveryFails: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "siren",
			Name:      "push_failures_total",
			Help:      "Number of failed push fan-outs.",
		}),
		sweeps: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "siren",
			Name:      "sweeps_total",
			Help:      "Number of completed expiration sweeps.",
		}),
		sweepFails: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "siren",
			Name:      "sweep_failures_total",
			Help:      "Number of failed expiration sweeps.",
		}),
	}
	s.registry.MustRegister(
		s.alertsRaised,
		s.alertsResolved,
		s.alertsExpired,
		s.blockedRaises,
		s.deliveries,
		s.deliveryFails,
		s.sweeps,
		s.sweepFails,
	)
	return s
}

func (s *Service) Open() error {
	return nil
}

func (s *Service) Close() error {
	return nil
}

func (s *Service) Enabled() bool {
	return s.enabled
}

// Gatherer exposes the registry for the /metrics handler.
func (s *Service) Gatherer() prometheus.Gatherer {
	return s.registry
}

func (s *Service) AlertRaised()   { s.alertsRaised.Inc() }
func (s *Service) AlertResolved() { s.alertsResolved.Inc() }
func (s *Service) AlertsExpired(n int) {
	s.alertsExpired.Add(float64(n))
}
func (s *Service) BlockedRaise()   { s.blockedRaises.Inc() }
func (s *Service) Delivered()      { s.deliveries.Inc() }
func (s *Service) DeliveryFailed() { s.deliveryFails.Inc() }
func (s *Service) SweepRun()       { s.sweeps.Inc() }
func (s *Service) SweepFailed()    { s.sweepFails.Inc() }
