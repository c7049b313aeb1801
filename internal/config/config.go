// Package config implements the "Configuration surface" in §6: a YAML
// defaults-file-plus-override-layer, generalized from the teacher's
// server/config/config.go (config.default.yaml + optional config.yaml,
// duration-string fields parsed with time.ParseDuration, SaveOverrides'
// diff-against-defaults partial write). The core only consumes this
// surface; it never owns how the fields are produced.
package config

import (
	"encoding/json"
	"os"
	"reflect"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// CameraSide holds the per-side discovery keywords from §6's
// "camera: {width,height,fps, left:{name_keywords[]}, right:{name_keywords[]}}".
type CameraSide struct {
	NameKeywords []string `yaml:"nameKeywords" json:"nameKeywords"`
}

// CameraConfig is the camera sub-tree of the configuration surface.
type CameraConfig struct {
	Width  int        `yaml:"width"  json:"width"`
	Height int        `yaml:"height" json:"height"`
	FPS    int        `yaml:"fps"    json:"fps"`
	Left   CameraSide `yaml:"left"   json:"left"`
	Right  CameraSide `yaml:"right"  json:"right"`
}

// InferenceConfig is the inference sub-tree (§4.7's Options).
type InferenceConfig struct {
	NumWorkers  int    `yaml:"numWorkers"  json:"numWorkers"`
	MaxQueue    int    `yaml:"maxQueue"    json:"maxQueue"`
	ResultTTL   string `yaml:"resultTtlMs" json:"resultTtlMs"`
}

// PipelineConfig is the pipeline sub-tree (§4.5/§4.6 defaults).
type PipelineConfig struct {
	DistortionCorrectionEnabled bool `yaml:"distortionCorrectionEnabled" json:"distortionCorrectionEnabled"`
	RotationDegrees             int  `yaml:"rotationDegrees"             json:"rotationDegrees"`
	FlipH                       bool `yaml:"flipH"                       json:"flipH"`
	FlipV                       bool `yaml:"flipV"                       json:"flipV"`
	Invert                      bool `yaml:"invert"                      json:"invert"`
}

// Config holds the full configuration surface consumed by the core (§6).
type Config struct {
	Camera           CameraConfig    `yaml:"camera"           json:"camera"`
	SyncToleranceMs  int             `yaml:"syncToleranceMs"  json:"syncToleranceMs"`
	Inference        InferenceConfig `yaml:"inference"        json:"inference"`
	Pipeline         PipelineConfig  `yaml:"pipeline"         json:"pipeline"`
	MonitorIntervalMs int            `yaml:"monitorIntervalMs" json:"monitorIntervalMs"`

	// CalibrationDir points at the external calibration directory (§6).
	CalibrationDir string `yaml:"calibrationDir" json:"calibrationDir"`
	// ModelPath points at the external NPU model file (§6).
	ModelPath string `yaml:"modelPath" json:"modelPath"`

	// Parsed, not serialized: populated by parseDurations.
	ResultTTLDur      time.Duration `yaml:"-" json:"-"`
	MonitorIntervalDur time.Duration `yaml:"-" json:"-"`
}

// LoadResult holds both the effective merged config and the raw defaults,
// mirroring server/config/config.go's LoadResult so overrides can be
// diffed and re-saved without clobbering untouched fields.
type LoadResult struct {
	Config   *Config
	Defaults *Config
}

// defaultConfig mirrors the zero-config defaults named throughout the
// spec (§4.2 fps fallback, §4.4 50ms tolerance, §4.7 6/6/2s, §4.3 1000ms).
func defaultConfig() Config {
	return Config{
		Camera: CameraConfig{
			Width: 1280, Height: 720, FPS: 30,
		},
		SyncToleranceMs: 50,
		Inference: InferenceConfig{
			NumWorkers: 6,
			MaxQueue:   6,
			ResultTTL:  "2s",
		},
		Pipeline: PipelineConfig{
			DistortionCorrectionEnabled: true,
			RotationDegrees:             0,
		},
		MonitorIntervalMs: 1000,
	}
}

// Load reads configDir/config.default.yaml as the baseline, then applies
// any overrides from configDir/config.yaml (if present and valid) — the
// same two-file layering server/config/config.go uses for the teacher's
// own dashboard settings.
func Load(configDir string) (*LoadResult, error) {
	defaults := defaultConfig()

	defaultsPath := configDir + "/config.default.yaml"
	if data, err := os.ReadFile(defaultsPath); err == nil {
		if err := yaml.Unmarshal(data, &defaults); err != nil {
			return nil, errors.Wrapf(err, "config: parse %s", defaultsPath)
		}
	} else if !os.IsNotExist(err) {
		return nil, errors.Wrapf(err, "config: read %s", defaultsPath)
	}

	cfg := defaults
	overridePath := configDir + "/config.yaml"
	if data, err := os.ReadFile(overridePath); err == nil {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, errors.Wrapf(err, "config: parse %s", overridePath)
		}
	} else if !os.IsNotExist(err) {
		return nil, errors.Wrapf(err, "config: read %s", overridePath)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, err
	}
	if err := parseDurations(&defaults); err != nil {
		return nil, err
	}

	return &LoadResult{Config: &cfg, Defaults: &defaults}, nil
}

func parseDurations(cfg *Config) error {
	ttl, err := time.ParseDuration(cfg.Inference.ResultTTL)
	if err != nil {
		return errors.Wrapf(err, "config: invalid inference.resultTtlMs %q", cfg.Inference.ResultTTL)
	}
	cfg.ResultTTLDur = ttl
	cfg.MonitorIntervalDur = time.Duration(cfg.MonitorIntervalMs) * time.Millisecond
	return nil
}

// SaveOverrides writes only the fields that differ from defaults to
// configDir/config.yaml, keeping the teacher's own SaveOverrides idea
// (JSON-roundtrip a struct to a generic map, then keep only the leaves
// that changed) but walked with an explicit worklist rather than a pair
// of named recursive helpers — see changedFields below.
func SaveOverrides(configDir string, updated, defaults Config) error {
	diff, err := changedFields(updated, defaults)
	if err != nil {
		return err
	}
	data, err := yaml.Marshal(diff)
	if err != nil {
		return errors.Wrap(err, "config: marshal overrides")
	}
	return errors.Wrap(os.WriteFile(configDir+"/config.yaml", data, 0644), "config: write overrides")
}

// mapDiffJob is one pending (subtree-of-updated, subtree-of-defaults,
// subtree-of-result) triple in changedFields' worklist.
type mapDiffJob struct {
	have map[string]any
	base map[string]any
	into map[string]any
}

// changedFields roundtrips updated and defaults through JSON into plain
// maps and returns only the entries of updated that are new or differ
// from defaults, recursing into nested objects so an untouched sibling
// field never gets re-serialized. Unlike a pair of mutually-recursive
// toMap/diffMaps helpers, the walk itself is iterative: each nested
// object found along the way is pushed onto a worklist instead of being
// handled by a recursive call.
func changedFields(updated, defaults Config) (map[string]any, error) {
	have, err := roundtripToMap(updated)
	if err != nil {
		return nil, errors.Wrap(err, "config: encode updated config")
	}
	base, err := roundtripToMap(defaults)
	if err != nil {
		return nil, errors.Wrap(err, "config: encode default config")
	}

	out := map[string]any{}
	pending := []mapDiffJob{{have: have, base: base, into: out}}
	for len(pending) > 0 {
		job := pending[len(pending)-1]
		pending = pending[:len(pending)-1]

		for field, haveVal := range job.have {
			baseVal, known := job.base[field]
			if !known {
				job.into[field] = haveVal
				continue
			}
			haveNested, haveIsObj := haveVal.(map[string]any)
			baseNested, baseIsObj := baseVal.(map[string]any)
			if haveIsObj && baseIsObj {
				nested := map[string]any{}
				pending = append(pending, mapDiffJob{have: haveNested, base: baseNested, into: nested})
				// Deferred: only attach `nested` to the parent if the
				// worklist entry above actually populates it. Since maps
				// are reference types, wire it in now and prune empties
				// in a second pass below.
				job.into[field] = nested
				continue
			}
			if !reflect.DeepEqual(haveVal, baseVal) {
				job.into[field] = haveVal
			}
		}
	}

	pruneEmptyObjects(out)
	return out, nil
}

// pruneEmptyObjects removes nested objects that changedFields attached
// optimistically but that turned out to hold no actual differences.
func pruneEmptyObjects(m map[string]any) {
	for field, v := range m {
		nested, ok := v.(map[string]any)
		if !ok {
			continue
		}
		pruneEmptyObjects(nested)
		if len(nested) == 0 {
			delete(m, field)
		}
	}
}

func roundtripToMap(cfg Config) (map[string]any, error) {
	encoded, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(encoded, &m); err != nil {
		return nil, err
	}
	return m, nil
}
