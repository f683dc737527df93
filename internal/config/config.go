// Package config loads the pipeline configuration file. Every tunable is an
// optional pointer field; the Get* accessors return the built-in default for
// anything the file leaves out, so partial configs are safe.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/banshee-data/headcount/internal/security"
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid configuration")

const maxFileSize = 1 * 1024 * 1024 // 1MB

// Config is the root configuration document.
type Config struct {
	Cameras      []CameraConfig      `json:"cameras"`
	Connection   *ConnectionConfig   `json:"connection,omitempty"`
	Detection    *DetectionConfig    `json:"detection,omitempty"`
	Matching     *MatchingConfig     `json:"matching,omitempty"`
	Verification *VerificationConfig `json:"verification,omitempty"`
	Counting     *CountingConfig     `json:"counting,omitempty"`
	Publisher    *PublisherConfig    `json:"publisher,omitempty"`
	Breaker      *BreakerConfig      `json:"breaker,omitempty"`
	Sink         *SinkConfig         `json:"sink,omitempty"`
	Alerts       *AlertsConfig       `json:"alerts,omitempty"`
	Metrics      *MetricsConfig      `json:"metrics,omitempty"`
}

// CameraConfig describes one camera and the geometry configured on it.
type CameraConfig struct {
	ID     string       `json:"id"`
	Source SourceConfig `json:"source"`
	Lines  []LineConfig `json:"lines,omitempty"`
	Zones  []ZoneConfig `json:"zones,omitempty"`
}

// SourceConfig is the connection descriptor for a camera.
type SourceConfig struct {
	Kind     string `json:"kind"` // "mjpeg" or "scripted"
	URL      string `json:"url,omitempty"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
	Script   string `json:"script,omitempty"` // path to a scripted-source JSON file
}

// LineConfig is a counting polyline in image pixel coordinates.
type LineConfig struct {
	ID          string       `json:"id"`
	Points      [][2]float64 `json:"points"`
	InDirection string       `json:"in_direction,omitempty"` // "positive" (default) or "negative"
}

// ZoneConfig is a restricted-zone polygon in image pixel coordinates.
type ZoneConfig struct {
	ID     string       `json:"id"`
	Points [][2]float64 `json:"points"`
}

// ConnectionConfig tunes the camera connection supervisor.
type ConnectionConfig struct {
	InitialBackoff    *string  `json:"initial_backoff,omitempty"`
	BackoffMultiplier *float64 `json:"backoff_multiplier,omitempty"`
	MaxBackoff        *string  `json:"max_backoff,omitempty"`
	FailureThreshold  *int     `json:"failure_threshold,omitempty"`
	ReadTimeout       *string  `json:"read_timeout,omitempty"`
	WarnAttempt       *int     `json:"warn_attempt,omitempty"`
	CriticalAttempt   *int     `json:"critical_attempt,omitempty"`
}

// DetectionConfig tunes the detection stage.
type DetectionConfig struct {
	Backend            *string  `json:"backend,omitempty"` // "annotated" or "http"
	InferenceURL       *string  `json:"inference_url,omitempty"`
	FaceEveryN         *int     `json:"face_every_n,omitempty"`
	MaxFaceEveryN      *int     `json:"max_face_every_n,omitempty"`
	TargetFPS          *float64 `json:"target_fps,omitempty"`
	CPUHighWatermark   *float64 `json:"cpu_high_watermark,omitempty"`
	CPULowWatermark    *float64 `json:"cpu_low_watermark,omitempty"`
	LoadSampleInterval *string  `json:"load_sample_interval,omitempty"`
	MinFacePixels      *int     `json:"min_face_px,omitempty"`
	MinFaceQuality     *float64 `json:"min_face_quality,omitempty"`
	TrackTimeout       *string  `json:"track_timeout,omitempty"`
	HistoryLength      *int     `json:"history_length,omitempty"`
	MinIoU             *float64 `json:"min_iou,omitempty"`
}

// MatchingConfig tunes the identity matcher.
type MatchingConfig struct {
	Store               *string  `json:"store,omitempty"` // "sqlite" or "http"
	StoreURL            *string  `json:"store_url,omitempty"`
	EmbeddingDim        *int     `json:"embedding_dim,omitempty"`
	SimilarityThreshold *float64 `json:"similarity_threshold,omitempty"`
	VoteRatioMatch      *float64 `json:"vote_ratio_match,omitempty"`
	VoteRatioHigh       *float64 `json:"vote_ratio_high,omitempty"`
	TieEpsilon          *float64 `json:"tie_epsilon,omitempty"`
	TopK                *int     `json:"top_k,omitempty"`
	LookupTimeout       *string  `json:"lookup_timeout,omitempty"`
	PoolSize            *int     `json:"pool_size,omitempty"`
	PoolQueue           *int     `json:"pool_queue,omitempty"`
	CacheReloadInterval *string  `json:"cache_reload_interval,omitempty"`
	DeferredCapacity    *int     `json:"deferred_capacity,omitempty"`
}

// VerificationConfig tunes the temporal verifier.
type VerificationConfig struct {
	MaxResults   *int    `json:"max_results,omitempty"`
	MinSpacing   *string `json:"min_spacing,omitempty"`
	Window       *string `json:"window,omitempty"`
	MinAgreement *int    `json:"min_agreement,omitempty"`
}

// CountingConfig tunes the line-crossing counter.
type CountingConfig struct {
	HysteresisPixels *float64 `json:"hysteresis_px,omitempty"`
}

// PublisherConfig tunes the event publisher buffer.
type PublisherConfig struct {
	BufferCapacity *int     `json:"buffer_capacity,omitempty"`
	BatchSize      *int     `json:"batch_size,omitempty"`
	RetryInterval  *string  `json:"retry_interval,omitempty"`
	WarnFraction   *float64 `json:"warn_fraction,omitempty"`
	WriteTimeout   *string  `json:"write_timeout,omitempty"`
}

// BreakerConfig tunes circuit breakers around synchronous dependencies.
type BreakerConfig struct {
	FailureThreshold *int    `json:"failure_threshold,omitempty"`
	Cooldown         *string `json:"cooldown,omitempty"`
}

// SinkConfig selects the downstream event sink.
type SinkConfig struct {
	Kind           string `json:"kind"` // "sqlite", "nats", "kafka" or "log"
	NATSURL        string `json:"nats_url,omitempty"`
	NATSSubject    string `json:"nats_subject,omitempty"`
	KafkaBrokers   string `json:"kafka_brokers,omitempty"`
	KafkaTopic     string `json:"kafka_topic,omitempty"`
	GRPCHealthAddr string `json:"grpc_health_addr,omitempty"`
	Codec          string `json:"codec,omitempty"` // "json" (default) or "proto"
}

// AlertsConfig configures alert delivery.
type AlertsConfig struct {
	MQTTBroker      string `json:"mqtt_broker,omitempty"`
	MQTTTopicPrefix string `json:"mqtt_topic_prefix,omitempty"`
	MQTTUsername    string `json:"mqtt_username,omitempty"`
	MQTTPassword    string `json:"mqtt_password,omitempty"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Listen string `json:"listen,omitempty"`
}

// Load reads a Config from a JSON file. The file must have a .json extension
// and be at most 1MB.
func Load(path string) (*Config, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}
	if err := cfg.resolveScripts(filepath.Dir(cleanPath)); err != nil {
		return nil, err
	}
	return cfg, nil
}

// resolveScripts makes relative scripted-source paths relative to the config
// file's directory and rejects any that point outside it.
func (c *Config) resolveScripts(dir string) error {
	for i := range c.Cameras {
		src := &c.Cameras[i].Source
		if src.Kind != "scripted" || src.Script == "" {
			continue
		}
		if !filepath.IsAbs(src.Script) {
			src.Script = filepath.Join(dir, src.Script)
		}
		if err := security.ValidatePathWithinDirectory(src.Script, dir); err != nil {
			return fmt.Errorf("%w: camera %s: %v", ErrInvalid, c.Cameras[i].ID, err)
		}
	}
	return nil
}

// Parse decodes and validates a JSON config document.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func invalid(format string, v ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, v...))
}

// Validate checks that the configuration values are usable.
func (c *Config) Validate() error {
	seen := make(map[string]bool)
	for i, cam := range c.Cameras {
		if cam.ID == "" {
			return invalid("cameras[%d]: id is required", i)
		}
		if seen[cam.ID] {
			return invalid("duplicate camera id %q", cam.ID)
		}
		seen[cam.ID] = true
		switch cam.Source.Kind {
		case "mjpeg":
			if cam.Source.URL == "" {
				return invalid("camera %s: mjpeg source needs a url", cam.ID)
			}
		case "scripted":
		default:
			return invalid("camera %s: unknown source kind %q", cam.ID, cam.Source.Kind)
		}
		for _, l := range cam.Lines {
			if len(l.Points) < 2 {
				return invalid("camera %s line %s: at least 2 points required", cam.ID, l.ID)
			}
			if l.InDirection != "" && l.InDirection != "positive" && l.InDirection != "negative" {
				return invalid("camera %s line %s: in_direction must be positive or negative", cam.ID, l.ID)
			}
		}
		for _, z := range cam.Zones {
			if len(z.Points) < 3 {
				return invalid("camera %s zone %s: at least 3 points required", cam.ID, z.ID)
			}
		}
	}

	durations := map[string]*string{}
	if cc := c.Connection; cc != nil {
		durations["connection.initial_backoff"] = cc.InitialBackoff
		durations["connection.max_backoff"] = cc.MaxBackoff
		durations["connection.read_timeout"] = cc.ReadTimeout
		if cc.BackoffMultiplier != nil && *cc.BackoffMultiplier < 1 {
			return invalid("connection.backoff_multiplier must be >= 1, got %f", *cc.BackoffMultiplier)
		}
	}
	if d := c.Detection; d != nil {
		durations["detection.load_sample_interval"] = d.LoadSampleInterval
		durations["detection.track_timeout"] = d.TrackTimeout
		if d.FaceEveryN != nil && *d.FaceEveryN < 1 {
			return invalid("detection.face_every_n must be >= 1, got %d", *d.FaceEveryN)
		}
		if d.CPUHighWatermark != nil && d.CPULowWatermark != nil && *d.CPULowWatermark >= *d.CPUHighWatermark {
			return invalid("detection.cpu_low_watermark must be below cpu_high_watermark")
		}
		if d.MinFaceQuality != nil && (*d.MinFaceQuality < 0 || *d.MinFaceQuality > 1) {
			return invalid("detection.min_face_quality must be between 0 and 1, got %f", *d.MinFaceQuality)
		}
	}
	if m := c.Matching; m != nil {
		durations["matching.lookup_timeout"] = m.LookupTimeout
		durations["matching.cache_reload_interval"] = m.CacheReloadInterval
		for name, v := range map[string]*float64{
			"similarity_threshold": m.SimilarityThreshold,
			"vote_ratio_match":     m.VoteRatioMatch,
			"vote_ratio_high":      m.VoteRatioHigh,
		} {
			if v != nil && (*v < 0 || *v > 1) {
				return invalid("matching.%s must be between 0 and 1, got %f", name, *v)
			}
		}
	}
	if v := c.Verification; v != nil {
		durations["verification.min_spacing"] = v.MinSpacing
		durations["verification.window"] = v.Window
	}
	if p := c.Publisher; p != nil {
		durations["publisher.retry_interval"] = p.RetryInterval
		durations["publisher.write_timeout"] = p.WriteTimeout
		if p.BufferCapacity != nil && *p.BufferCapacity < 1 {
			return invalid("publisher.buffer_capacity must be positive, got %d", *p.BufferCapacity)
		}
	}
	if b := c.Breaker; b != nil {
		durations["breaker.cooldown"] = b.Cooldown
	}
	for name, s := range durations {
		if s != nil && *s != "" {
			if _, err := time.ParseDuration(*s); err != nil {
				return invalid("%s %q: %v", name, *s, err)
			}
		}
	}
	return nil
}

// Camera returns the camera with the given id, if configured.
func (c *Config) Camera(id string) (CameraConfig, bool) {
	for _, cam := range c.Cameras {
		if cam.ID == id {
			return cam, true
		}
	}
	return CameraConfig{}, false
}

func durationOr(s *string, def time.Duration) time.Duration {
	if s == nil || *s == "" {
		return def
	}
	d, err := time.ParseDuration(*s)
	if err != nil {
		return def
	}
	return d
}

func floatOr(v *float64, def float64) float64 {
	if v == nil {
		return def
	}
	return *v
}

func intOr(v *int, def int) int {
	if v == nil {
		return def
	}
	return *v
}

func stringOr(v *string, def string) string {
	if v == nil || *v == "" {
		return def
	}
	return *v
}
