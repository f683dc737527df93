package pipeline

import (
	"fmt"
	"strings"

	"github.com/banshee-data/headcount/internal/camera"
	"github.com/banshee-data/headcount/internal/config"
	"github.com/banshee-data/headcount/internal/counting"
	"github.com/banshee-data/headcount/internal/detect"
	"github.com/banshee-data/headcount/internal/geom"
	"github.com/banshee-data/headcount/internal/identity"
	"github.com/banshee-data/headcount/internal/timeutil"
	"github.com/banshee-data/headcount/internal/verify"
)

// SettingsFromConfig maps the configuration onto worker settings.
func SettingsFromConfig(cfg *config.Config, backend detect.Backend, load *detect.LoadMonitor) Settings {
	return Settings{
		Connection: camera.SupervisorConfig{
			InitialBackoff:    cfg.GetInitialBackoff(),
			BackoffMultiplier: cfg.GetBackoffMultiplier(),
			MaxBackoff:        cfg.GetMaxBackoff(),
			ReadTimeout:       cfg.GetReadTimeout(),
			FailureThreshold:  cfg.GetReadFailureThreshold(),
			WarnAttempt:       cfg.GetWarnAttempt(),
			CriticalAttempt:   cfg.GetCriticalAttempt(),
		},
		Detection: detect.StageConfig{
			Backend: backend,
			Tracker: detect.TrackerConfig{
				MinIoU:        cfg.GetMinIoU(),
				Timeout:       cfg.GetTrackTimeout(),
				HistoryLength: cfg.GetHistoryLength(),
			},
			Cadence: detect.CadenceConfig{
				EveryN:        cfg.GetFaceEveryN(),
				MaxEveryN:     cfg.GetMaxFaceEveryN(),
				TargetFPS:     cfg.GetTargetFPS(),
				HighWatermark: cfg.GetCPUHighWatermark(),
				LowWatermark:  cfg.GetCPULowWatermark(),
			},
			Gate: detect.QualityGate{
				MinPixels:  float64(cfg.GetMinFacePixels()),
				MinQuality: cfg.GetMinFaceQuality(),
			},
			EmbeddingDim: cfg.GetEmbeddingDim(),
			Load:         load,
		},
		Verify: verify.Config{
			MaxResults:   cfg.GetVerifyMaxResults(),
			MinSpacing:   cfg.GetVerifyMinSpacing(),
			Window:       cfg.GetVerifyWindow(),
			MinAgreement: cfg.GetVerifyMinAgreement(),
		},
		Hysteresis:       cfg.GetHysteresisPixels(),
		DeferredCapacity: cfg.GetDeferredCapacity(),
	}
}

// MatcherConfigFromConfig maps the matching section onto the matcher.
func MatcherConfigFromConfig(cfg *config.Config) identity.MatcherConfig {
	return identity.MatcherConfig{
		SimilarityThreshold: cfg.GetSimilarityThreshold(),
		VoteRatioMatch:      cfg.GetVoteRatioMatch(),
		VoteRatioHigh:       cfg.GetVoteRatioHigh(),
		TieEpsilon:          cfg.GetTieEpsilon(),
		TopK:                cfg.GetTopK(),
		LookupTimeout:       cfg.GetLookupTimeout(),
	}
}

// CamerasFromConfig builds a spec for every configured camera.
func CamerasFromConfig(cfg *config.Config, clk timeutil.Clock) ([]CameraSpec, error) {
	specs := make([]CameraSpec, 0, len(cfg.Cameras))
	for _, cam := range cfg.Cameras {
		src, err := NewSource(cam.Source, clk)
		if err != nil {
			return nil, fmt.Errorf("camera %s: %w", cam.ID, err)
		}
		lines, zones := Geometry(cam)
		specs = append(specs, CameraSpec{
			ID:        cam.ID,
			Source:    src,
			SourceKey: SourceKey(cam.Source),
			Lines:     lines,
			Zones:     zones,
		})
	}
	return specs, nil
}

// NewSource opens the configured source kind.
func NewSource(sc config.SourceConfig, clk timeutil.Clock) (camera.Source, error) {
	switch sc.Kind {
	case "mjpeg":
		return &camera.MJPEGSource{URL: sc.URL, Username: sc.Username, Password: sc.Password}, nil
	case "scripted":
		if sc.Script == "" {
			return nil, fmt.Errorf("scripted source needs a script path")
		}
		src, err := camera.LoadScript(sc.Script)
		if err != nil {
			return nil, err
		}
		src.Clock = clk
		return src, nil
	}
	return nil, fmt.Errorf("unknown source kind %q", sc.Kind)
}

// SourceKey identifies a connection descriptor, password excluded.
func SourceKey(sc config.SourceConfig) string {
	return strings.Join([]string{sc.Kind, sc.URL, sc.Username, sc.Script}, "|")
}

// Geometry converts the configured lines and zones.
func Geometry(cam config.CameraConfig) ([]counting.Line, []counting.Zone) {
	lines := make([]counting.Line, 0, len(cam.Lines))
	for _, l := range cam.Lines {
		lines = append(lines, counting.Line{
			ID:         l.ID,
			Points:     geom.Polyline(points(l.Points)),
			InNegative: l.InDirection == "negative",
		})
	}
	zones := make([]counting.Zone, 0, len(cam.Zones))
	for _, z := range cam.Zones {
		zones = append(zones, counting.Zone{ID: z.ID, Polygon: geom.Polygon(points(z.Points))})
	}
	return lines, zones
}

func points(in [][2]float64) []geom.Point {
	out := make([]geom.Point, len(in))
	for i, p := range in {
		out[i] = geom.Point{X: p[0], Y: p[1]}
	}
	return out
}
