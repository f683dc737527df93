package config

import (
	"runtime"
	"time"
)

// Connection supervisor defaults.

func (c *Config) conn() *ConnectionConfig {
	if c == nil || c.Connection == nil {
		return &ConnectionConfig{}
	}
	return c.Connection
}

func (c *Config) GetInitialBackoff() time.Duration {
	return durationOr(c.conn().InitialBackoff, 30*time.Second)
}

func (c *Config) GetBackoffMultiplier() float64 {
	return floatOr(c.conn().BackoffMultiplier, 1.5)
}

func (c *Config) GetMaxBackoff() time.Duration {
	return durationOr(c.conn().MaxBackoff, 300*time.Second)
}

func (c *Config) GetReadFailureThreshold() int {
	return intOr(c.conn().FailureThreshold, 5)
}

func (c *Config) GetReadTimeout() time.Duration {
	return durationOr(c.conn().ReadTimeout, 5*time.Second)
}

func (c *Config) GetWarnAttempt() int {
	return intOr(c.conn().WarnAttempt, 3)
}

func (c *Config) GetCriticalAttempt() int {
	return intOr(c.conn().CriticalAttempt, 10)
}

// Detection stage defaults.

func (c *Config) det() *DetectionConfig {
	if c == nil || c.Detection == nil {
		return &DetectionConfig{}
	}
	return c.Detection
}

func (c *Config) GetDetectionBackend() string {
	return stringOr(c.det().Backend, "annotated")
}

func (c *Config) GetInferenceURL() string {
	return stringOr(c.det().InferenceURL, "")
}

func (c *Config) GetFaceEveryN() int {
	return intOr(c.det().FaceEveryN, 30)
}

func (c *Config) GetMaxFaceEveryN() int {
	return intOr(c.det().MaxFaceEveryN, 120)
}

// GetTargetFPS returns the frame-rate cap at normal load; 0 processes every frame.
func (c *Config) GetTargetFPS() float64 {
	return floatOr(c.det().TargetFPS, 0)
}

func (c *Config) GetCPUHighWatermark() float64 {
	return floatOr(c.det().CPUHighWatermark, 85)
}

func (c *Config) GetCPULowWatermark() float64 {
	return floatOr(c.det().CPULowWatermark, 60)
}

func (c *Config) GetLoadSampleInterval() time.Duration {
	return durationOr(c.det().LoadSampleInterval, 5*time.Second)
}

func (c *Config) GetMinFacePixels() int {
	return intOr(c.det().MinFacePixels, 80)
}

func (c *Config) GetMinFaceQuality() float64 {
	return floatOr(c.det().MinFaceQuality, 0.5)
}

func (c *Config) GetTrackTimeout() time.Duration {
	return durationOr(c.det().TrackTimeout, 2*time.Second)
}

func (c *Config) GetHistoryLength() int {
	return intOr(c.det().HistoryLength, 30)
}

func (c *Config) GetMinIoU() float64 {
	return floatOr(c.det().MinIoU, 0.3)
}

// Identity matcher defaults.

func (c *Config) match() *MatchingConfig {
	if c == nil || c.Matching == nil {
		return &MatchingConfig{}
	}
	return c.Matching
}

func (c *Config) GetStoreKind() string {
	return stringOr(c.match().Store, "sqlite")
}

func (c *Config) GetStoreURL() string {
	return stringOr(c.match().StoreURL, "")
}

func (c *Config) GetEmbeddingDim() int {
	return intOr(c.match().EmbeddingDim, 512)
}

// GetSimilarityThreshold is the cosine similarity a reference must exceed to
// vote for its identity (0.65, i.e. a 0.35 cosine distance cutoff).
func (c *Config) GetSimilarityThreshold() float64 {
	return floatOr(c.match().SimilarityThreshold, 0.65)
}

func (c *Config) GetVoteRatioMatch() float64 {
	return floatOr(c.match().VoteRatioMatch, 0.60)
}

func (c *Config) GetVoteRatioHigh() float64 {
	return floatOr(c.match().VoteRatioHigh, 0.80)
}

func (c *Config) GetTieEpsilon() float64 {
	return floatOr(c.match().TieEpsilon, 0.02)
}

func (c *Config) GetTopK() int {
	return intOr(c.match().TopK, 5)
}

func (c *Config) GetLookupTimeout() time.Duration {
	return durationOr(c.match().LookupTimeout, 2*time.Second)
}

// GetPoolSize defaults to the number of CPUs.
func (c *Config) GetPoolSize() int {
	n := intOr(c.match().PoolSize, 0)
	if n <= 0 {
		n = runtime.NumCPU()
	}
	return n
}

func (c *Config) GetPoolQueue() int {
	return intOr(c.match().PoolQueue, 256)
}

func (c *Config) GetCacheReloadInterval() time.Duration {
	return durationOr(c.match().CacheReloadInterval, 5*time.Minute)
}

func (c *Config) GetDeferredCapacity() int {
	return intOr(c.match().DeferredCapacity, 64)
}

// Temporal verifier defaults.

func (c *Config) verif() *VerificationConfig {
	if c == nil || c.Verification == nil {
		return &VerificationConfig{}
	}
	return c.Verification
}

func (c *Config) GetVerifyMaxResults() int {
	return intOr(c.verif().MaxResults, 3)
}

func (c *Config) GetVerifyMinSpacing() time.Duration {
	return durationOr(c.verif().MinSpacing, time.Second)
}

func (c *Config) GetVerifyWindow() time.Duration {
	return durationOr(c.verif().Window, 10*time.Second)
}

func (c *Config) GetVerifyMinAgreement() int {
	return intOr(c.verif().MinAgreement, 2)
}

// Counter defaults.

func (c *Config) GetHysteresisPixels() float64 {
	if c == nil || c.Counting == nil {
		return 15
	}
	return floatOr(c.Counting.HysteresisPixels, 15)
}

// Publisher defaults.

func (c *Config) pub() *PublisherConfig {
	if c == nil || c.Publisher == nil {
		return &PublisherConfig{}
	}
	return c.Publisher
}

func (c *Config) GetBufferCapacity() int {
	return intOr(c.pub().BufferCapacity, 10000)
}

func (c *Config) GetBatchSize() int {
	return intOr(c.pub().BatchSize, 100)
}

func (c *Config) GetRetryInterval() time.Duration {
	return durationOr(c.pub().RetryInterval, 5*time.Second)
}

func (c *Config) GetBufferWarnFraction() float64 {
	return floatOr(c.pub().WarnFraction, 0.5)
}

func (c *Config) GetWriteTimeout() time.Duration {
	return durationOr(c.pub().WriteTimeout, 10*time.Second)
}

// Circuit breaker defaults.

func (c *Config) GetBreakerFailureThreshold() int {
	if c == nil || c.Breaker == nil {
		return 5
	}
	return intOr(c.Breaker.FailureThreshold, 5)
}

func (c *Config) GetBreakerCooldown() time.Duration {
	if c == nil || c.Breaker == nil {
		return 60 * time.Second
	}
	return durationOr(c.Breaker.Cooldown, 60*time.Second)
}

// GetSink returns the sink section, defaulting to the sqlite event log.
func (c *Config) GetSink() SinkConfig {
	if c == nil || c.Sink == nil || c.Sink.Kind == "" {
		return SinkConfig{Kind: "sqlite"}
	}
	return *c.Sink
}

// GetMetricsListen returns the Prometheus listen address ("" disables it).
func (c *Config) GetMetricsListen() string {
	if c == nil || c.Metrics == nil {
		return ""
	}
	return c.Metrics.Listen
}

// GetAlerts returns the alerts section; an empty broker disables MQTT.
func (c *Config) GetAlerts() AlertsConfig {
	if c == nil || c.Alerts == nil {
		return AlertsConfig{}
	}
	a := *c.Alerts
	if a.MQTTTopicPrefix == "" {
		a.MQTTTopicPrefix = "headcount/alerts"
	}
	return a
}
