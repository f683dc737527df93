package main

import (
	"fmt"

	"github.com/banshee-data/headcount/internal/config"
	"github.com/banshee-data/headcount/internal/db"
	"github.com/banshee-data/headcount/internal/events"
	"github.com/banshee-data/headcount/internal/events/kafkasink"
	"github.com/banshee-data/headcount/internal/events/natssink"
	"github.com/banshee-data/headcount/internal/identity"
	"github.com/banshee-data/headcount/internal/monitoring"
	"github.com/banshee-data/headcount/internal/pipeline"
	"github.com/banshee-data/headcount/internal/resilience"
)

// buildAlerts always logs alerts and additionally publishes them over MQTT
// when a broker is configured.
func buildAlerts(ac config.AlertsConfig) (monitoring.AlertSink, func(), error) {
	sinks := monitoring.MultiAlertSink{monitoring.LogAlertSink{}}
	if ac.MQTTBroker == "" {
		return sinks, func() {}, nil
	}
	mq, client, err := monitoring.NewMQTTAlertSink(monitoring.MQTTConfig{
		BrokerURL:   ac.MQTTBroker,
		Username:    ac.MQTTUsername,
		Password:    ac.MQTTPassword,
		TopicPrefix: ac.MQTTTopicPrefix,
	})
	if err != nil {
		return nil, nil, err
	}
	return append(sinks, mq), func() { client.Disconnect(250) }, nil
}

// buildResolver wires the matcher over the configured reference store. The
// sqlite store is served from the in-memory cache; a remote http store gets
// the cache as its fallback. Either way the returned reloader keeps the
// cache current.
func buildResolver(cfg *config.Config, database *db.DB, metrics *monitoring.Metrics) (*identity.Matcher, *identity.Reloader, error) {
	cache := identity.NewEmbeddingCache(cfg.GetEmbeddingDim())
	breaker := resilience.NewBreaker(resilience.BreakerConfig{
		Name:             "identity-store",
		FailureThreshold: cfg.GetBreakerFailureThreshold(),
		Cooldown:         cfg.GetBreakerCooldown(),
		OnStateChange: func(name string, from, to resilience.State) {
			monitoring.Logf("[identity] breaker %s %s -> %s", name, from, to)
			metrics.BreakerState(name, int(to))
		},
	})
	opts := []identity.MatcherOption{identity.WithBreaker(breaker), identity.WithMetrics(metrics)}

	var (
		primary identity.ReferenceStore
		loader  identity.Loader
	)
	switch kind := cfg.GetStoreKind(); kind {
	case "sqlite":
		primary = &identity.CacheStore{Cache: cache}
		loader = db.NewIdentityStore(database)
	case "http":
		hs := &identity.HTTPStore{BaseURL: cfg.GetStoreURL()}
		primary, loader = hs, hs
		opts = append(opts, identity.WithFallback(&identity.CacheStore{Cache: cache}))
	default:
		return nil, nil, fmt.Errorf("unknown identity store %q", kind)
	}

	reloader := identity.NewReloader(cache, loader, cfg.GetCacheReloadInterval(), nil)
	return identity.NewMatcher(pipeline.MatcherConfigFromConfig(cfg), primary, opts...), reloader, nil
}

// sinkBundle is the configured event sink, the probe the publisher consults
// after a failure, and the cleanup to run once the publisher has flushed.
type sinkBundle struct {
	sink  events.Sink
	probe events.HealthProbe
	close func()
}

type probeSink interface {
	events.Sink
	events.HealthProbe
}

func buildSink(sc config.SinkConfig, database *db.DB) (sinkBundle, error) {
	codec, err := events.NewCodec(sc.Codec)
	if err != nil {
		return sinkBundle{}, err
	}

	var ps probeSink
	closeFn := func() {}
	switch sc.Kind {
	case "sqlite":
		ps = db.NewEventLog(database)
	case "log":
		ps = events.LogSink{Codec: codec}
	case "nats":
		s, err := natssink.Connect(sc.NATSURL, sc.NATSSubject, codec)
		if err != nil {
			return sinkBundle{}, err
		}
		ps, closeFn = s, s.Close
	case "kafka":
		s, err := kafkasink.New(sc.KafkaBrokers, sc.KafkaTopic, codec)
		if err != nil {
			return sinkBundle{}, err
		}
		ps, closeFn = s, s.Close
	default:
		return sinkBundle{}, fmt.Errorf("unknown sink kind %q", sc.Kind)
	}

	b := sinkBundle{sink: ps, probe: ps, close: closeFn}
	if sc.GRPCHealthAddr != "" {
		hp, err := events.NewGRPCHealthProbe(sc.GRPCHealthAddr, "")
		if err != nil {
			closeFn()
			return sinkBundle{}, err
		}
		b.probe = hp
		b.close = func() {
			hp.Close()
			closeFn()
		}
	}
	monitoring.Logf("[headcount] event sink %s, codec %s", sc.Kind, codec.Name())
	return b, nil
}
