package store

import (
	"os"

	"github.com/imdario/mergo"
	"github.com/pkg/errors"
	"sigs.k8s.io/yaml"

	"github.com/acrlabs/simkube/pkg/k8s"
)

// trackedObjectConfigWire is the on-disk shape of a single tracked
// object's configuration, including the deprecated scalar
// podSpecTemplatePath field kept for backward compatibility. Grounded
// on sk-store/src/config.rs's TrackedObjectConfigWithDeprecatedFields.
type trackedObjectConfigWire struct {
	PodSpecTemplatePath  *string  `json:"podSpecTemplatePath,omitempty"`
	PodSpecTemplatePaths []string `json:"podSpecTemplatePaths,omitempty"`
	TrackLifecycle       bool     `json:"trackLifecycle,omitempty"`
}

// TrackedObjectConfig is the resolved (post-deprecation-promotion)
// configuration for a single tracked GVK.
type TrackedObjectConfig struct {
	PodSpecTemplatePaths []string
	TrackLifecycle       bool
}

// resolve promotes the deprecated scalar field into the plural one,
// warning on the logger the way config.rs's From impl does, and
// preferring the plural field when both are set.
func (w trackedObjectConfigWire) resolve(warnf func(format string, args ...any)) TrackedObjectConfig {
	out := TrackedObjectConfig{
		PodSpecTemplatePaths: w.PodSpecTemplatePaths,
		TrackLifecycle:       w.TrackLifecycle,
	}

	if w.PodSpecTemplatePath == nil {
		return out
	}

	warnf("tracked object config field podSpecTemplatePath is deprecated " +
		"and will be removed in a future version of SimKube. Please use " +
		"podSpecTemplatePaths instead.")

	if len(w.PodSpecTemplatePaths) > 0 {
		warnf("both podSpecTemplatePath and podSpecTemplatePaths are set; ignoring the deprecated field.")
		return out
	}

	out.PodSpecTemplatePaths = []string{*w.PodSpecTemplatePath}
	return out
}

// TracerConfig declares which GVKs the store tracks, and for each, the
// pod spec template paths to hash (for owners that run pods) and
// whether to record pod lifecycle data at all.
type TracerConfig struct {
	TrackedObjects map[k8s.GVK]TrackedObjectConfig
}

type tracerConfigWire struct {
	TrackedObjects map[string]trackedObjectConfigWire `json:"trackedObjects"`
}

// LoadTracerConfig reads and parses a TracerConfig from filename, using
// sigs.k8s.io/yaml the way the rest of the ambient config stack does
// (tolerant of both YAML and JSON), unlike the original's serde_yaml.
func LoadTracerConfig(filename string) (TracerConfig, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return TracerConfig{}, errors.Wrapf(err, "could not read config file %s", filename)
	}
	return ParseTracerConfig(data, defaultWarnf)
}

// ParseTracerConfig parses config bytes, promoting any deprecated
// scalar podSpecTemplatePath fields via warnf.
func ParseTracerConfig(data []byte, warnf func(format string, args ...any)) (TracerConfig, error) {
	var wire tracerConfigWire
	if err := yaml.Unmarshal(data, &wire); err != nil {
		return TracerConfig{}, errors.Wrap(err, "could not parse tracer config")
	}

	cfg := TracerConfig{TrackedObjects: make(map[k8s.GVK]TrackedObjectConfig, len(wire.TrackedObjects))}
	for key, objWire := range wire.TrackedObjects {
		gvk, err := k8s.ParseGVK(key)
		if err != nil {
			return TracerConfig{}, errors.Wrapf(err, "invalid tracked object key %q", key)
		}
		cfg.TrackedObjects[gvk] = objWire.resolve(warnf)
	}
	return cfg, nil
}

func defaultWarnf(format string, args ...any) {}

// PodSpecTemplatePaths returns the configured pod spec template paths
// for gvk, if it is tracked at all.
func (c TracerConfig) PodSpecTemplatePaths(gvk k8s.GVK) ([]string, bool) {
	obj, ok := c.TrackedObjects[gvk]
	if !ok {
		return nil, false
	}
	return obj.PodSpecTemplatePaths, true
}

// TrackLifecycleFor reports whether pod lifecycle data should be
// recorded for pods owned by gvk.
func (c TracerConfig) TrackLifecycleFor(gvk k8s.GVK) bool {
	obj, ok := c.TrackedObjects[gvk]
	return ok && obj.TrackLifecycle
}

// MergeOverrides layers user-supplied per-GVK overrides (e.g. from
// driver CLI/environment flags) on top of a base config loaded from a
// tracker config file, without clobbering base fields an override
// leaves zero-valued. Grounded on the teacher's use of
// github.com/imdario/mergo in pkg/kfconfig for the analogous
// defaults-then-overrides layering of component configuration.
func (c TracerConfig) MergeOverrides(overrides map[k8s.GVK]TrackedObjectConfig) (TracerConfig, error) {
	merged := TracerConfig{TrackedObjects: make(map[k8s.GVK]TrackedObjectConfig, len(c.TrackedObjects))}
	for gvk, obj := range c.TrackedObjects {
		merged.TrackedObjects[gvk] = obj
	}

	for gvk, override := range overrides {
		base := merged.TrackedObjects[gvk]
		if err := mergo.Merge(&base, override, mergo.WithOverride); err != nil {
			return TracerConfig{}, errors.Wrapf(err, "could not merge override for %s", gvk)
		}
		merged.TrackedObjects[gvk] = base
	}
	return merged, nil
}
