/*
Package config discovers and parses the YAML files that declare a wisp
daemon's sources and sinks (spec section 6). One file failing to parse is
logged and skipped; it never blocks the rest of the directory from loading,
matching the same per-unit fault isolation the dispatcher gives tasks.
*/
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"
)

// Topic names one of the four intrinsic topic shapes in a config file. The
// loader does not interpret these; pkg/daemon turns them into topic.Topic
// values once it knows which source they name.
type Topic struct {
	Handle string `yaml:"handle,omitempty"`
	Path   string `yaml:"path,omitempty"`
	Mask   uint32 `yaml:"mask,omitempty"`
	Early  int    `yaml:"early,omitempty"`
	Late   int    `yaml:"late,omitempty"`
	User   string `yaml:"user,omitempty"`
}

// Source declares one named source block.
type Source struct {
	Name   string         `yaml:"name"`
	Type   string         `yaml:"type"` // "fd", "fswatch", "timer"
	Params map[string]any `yaml:"params,omitempty"`
}

// Sink declares one named sink block and the topics it subscribes to.
type Sink struct {
	Name      string         `yaml:"name"`
	Type      string         `yaml:"type"` // "reader", "inotify", "timer", "subprocess"
	Source    string         `yaml:"source,omitempty"`
	Params    map[string]any `yaml:"params,omitempty"`
	Subscribe []Topic        `yaml:"subscribe,omitempty"`
}

// File is the parsed shape of a single *.yaml config file.
type File struct {
	Sources []Source `yaml:"sources,omitempty"`
	Sinks   []Sink   `yaml:"sinks,omitempty"`
}

// LoadError wraps a single file's parse failure with the path that produced
// it, so the daemon can log which file to fix without aborting the load of
// its siblings.
type LoadError struct {
	File string
	Err  error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("config: %s: %v", e.File, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// Load parses every *.yaml file directly under dir, in sorted name order for
// deterministic startup. Files that fail to parse are reported in errs but
// do not prevent the rest from loading.
func Load(dir string) (files []File, errs []*LoadError) {
	matches, err := filepath.Glob(filepath.Join(dir, "*.yaml"))
	if err != nil {
		errs = append(errs, &LoadError{File: dir, Err: err})
		return nil, errs
	}
	sort.Strings(matches)

	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil {
			errs = append(errs, &LoadError{File: path, Err: err})
			continue
		}

		var f File
		if err := yaml.Unmarshal(data, &f); err != nil {
			errs = append(errs, &LoadError{File: path, Err: err})
			continue
		}

		files = append(files, f)
	}

	return files, errs
}

// Merge flattens a slice of Files into one, in order. Later files may
// redeclare a source or sink name — no uniqueness is enforced here; that is
// pkg/daemon's job once it is actually wiring concrete components.
func Merge(files []File) File {
	var merged File
	for _, f := range files {
		merged.Sources = append(merged.Sources, f.Sources...)
		merged.Sinks = append(merged.Sinks, f.Sinks...)
	}
	return merged
}

// StringParam reads a string parameter with a default, tolerating the
// loose typing YAML-into-map[string]any produces.
func StringParam(params map[string]any, key, def string) string {
	if v, ok := params[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return def
}

// IntParam reads an integer parameter with a default. yaml.v3 decodes bare
// integers into int, so no float64 coercion is needed the way
// encoding/json would require.
func IntParam(params map[string]any, key string, def int) int {
	if v, ok := params[key]; ok {
		if i, ok := v.(int); ok {
			return i
		}
	}
	return def
}

// BoolParam reads a boolean parameter with a default.
func BoolParam(params map[string]any, key string, def bool) bool {
	if v, ok := params[key]; ok {
		if b, ok := v.(bool); ok {
			return b
		}
	}
	return def
}

// StringSliceParam reads a list-of-strings parameter with a default.
func StringSliceParam(params map[string]any, key string, def []string) []string {
	v, ok := params[key]
	if !ok {
		return def
	}
	raw, ok := v.([]any)
	if !ok {
		return def
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
