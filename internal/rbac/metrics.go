package rbac

import (
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	outcomeAllow = "allow"
	outcomeDeny  = "deny"
	outcomeError = "error"
)

// Metrics exposes Prometheus collectors for authorization decisions.
type Metrics struct {
	decisions   *prometheus.CounterVec
	cacheLookup *prometheus.CounterVec
}

// NewMetrics registers the collectors against reg. When reg is nil the
// default registerer is used. Collectors already registered are reused.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	decisions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "bookshelf_authz_decisions_total",
		Help: "Authorization decisions partitioned by resource, action and outcome.",
	}, []string{"resource", "action", "outcome"})
	cacheLookup := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "bookshelf_authz_cache_lookups_total",
		Help: "Flattened permission cache lookups partitioned by result.",
	}, []string{"result"})

	var err error
	if decisions, err = registerCounter(reg, decisions); err != nil {
		return nil, err
	}
	if cacheLookup, err = registerCounter(reg, cacheLookup); err != nil {
		return nil, err
	}
	return &Metrics{decisions: decisions, cacheLookup: cacheLookup}, nil
}

func registerCounter(reg prometheus.Registerer, c *prometheus.CounterVec) (*prometheus.CounterVec, error) {
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			existing, ok := already.ExistingCollector.(*prometheus.CounterVec)
			if !ok {
				return nil, fmt.Errorf("rbac metrics: unexpected collector type %T", already.ExistingCollector)
			}
			return existing, nil
		}
		return nil, err
	}
	return c, nil
}

func (m *Metrics) observeDecision(perm Permission, outcome string) {
	if m == nil {
		return
	}
	m.decisions.WithLabelValues(string(perm.Resource), string(perm.Action), outcome).Inc()
}

func (m *Metrics) observeCache(hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cacheLookup.WithLabelValues(result).Inc()
}
