// Copyright 2025 The Uciforge Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package dynconf loads the daemon's top-level ServiceConfig and the
// YAML documents (project/pipeline/service definitions) the core treats
// as opaque input (spec §1). It supports a minimal `${VAR}` /
// `${VAR:-default}` substitution pass over the raw YAML text before
// decoding — no general expression language, favoring small, explicit
// config surfaces over an embedded DSL.
package dynconf

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	uciforgeerrors "github.com/tombee/uciforge/pkg/errors"
)

// ServiceConfig is the daemon's top-level configuration object, loadable
// from YAML with environment-variable overrides applied afterward.
type ServiceConfig struct {
	DataDir      string            `yaml:"data_dir"`
	RunsLogDir   string            `yaml:"runs_log_dir"`
	ProjectsRoot string            `yaml:"projects_root"`
	BindAddr     string            `yaml:"bind_addr"`
	Tokens       map[string]string `yaml:"tokens,omitempty"`
}

// LoadServiceConfig reads path, applies variable substitution, decodes
// into a ServiceConfig, then overlays any UCIFORGE_* environment
// variables present.
func LoadServiceConfig(path string) (*ServiceConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, &uciforgeerrors.ConfigError{Key: path, Reason: "reading config file", Cause: err}
	}

	expanded, err := Substitute(string(raw), os.Environ())
	if err != nil {
		return nil, &uciforgeerrors.ConfigError{Key: path, Reason: "substituting variables", Cause: err}
	}

	var cfg ServiceConfig
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, &uciforgeerrors.ValidationError{Field: path, Message: err.Error()}
	}
	cfg.applyEnvOverrides()

	if cfg.DataDir == "" {
		return nil, &uciforgeerrors.ValidationError{Field: "data_dir", Message: "must not be empty"}
	}
	if cfg.BindAddr == "" {
		cfg.BindAddr = ":8090"
	}
	if cfg.RunsLogDir == "" {
		cfg.RunsLogDir = cfg.DataDir + "/runs"
	}
	if cfg.ProjectsRoot == "" {
		cfg.ProjectsRoot = cfg.DataDir + "/projects"
	}
	return &cfg, nil
}

func (c *ServiceConfig) applyEnvOverrides() {
	if v := os.Getenv("UCIFORGE_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("UCIFORGE_RUNS_LOG_DIR"); v != "" {
		c.RunsLogDir = v
	}
	if v := os.Getenv("UCIFORGE_PROJECTS_ROOT"); v != "" {
		c.ProjectsRoot = v
	}
	if v := os.Getenv("UCIFORGE_BIND_ADDR"); v != "" {
		c.BindAddr = v
	}
}

var varPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(:-[^}]*)?\}`)

// Substitute replaces every `${VAR}` or `${VAR:-default}` occurrence in
// text using the name=value pairs in env (the os.Environ() format).
// A reference to an unset variable with no default is an error.
func Substitute(text string, env []string) (string, error) {
	lookup := make(map[string]string, len(env))
	for _, kv := range env {
		if idx := strings.IndexByte(kv, '='); idx >= 0 {
			lookup[kv[:idx]] = kv[idx+1:]
		}
	}

	var firstErr error
	result := varPattern.ReplaceAllStringFunc(text, func(match string) string {
		groups := varPattern.FindStringSubmatch(match)
		name, def := groups[1], groups[2]
		if value, ok := lookup[name]; ok {
			return value
		}
		if def != "" {
			return strings.TrimPrefix(def, ":-")
		}
		if firstErr == nil {
			firstErr = fmt.Errorf("undefined variable %q with no default", name)
		}
		return match
	})
	if firstErr != nil {
		return "", firstErr
	}
	return result, nil
}

// Value is an opaque decoded YAML document (a project's free-form
// `params` block, or a service-action's custom parameters) kept
// untyped since the core never interprets it — only merges and passes
// it through, per spec §1.
type Value struct {
	raw map[string]any
}

// DecodeValue parses text (after substitution) as a YAML mapping.
func DecodeValue(text string) (Value, error) {
	var raw map[string]any
	if err := yaml.Unmarshal([]byte(text), &raw); err != nil {
		return Value{}, err
	}
	return Value{raw: raw}, nil
}

// Merge combines two Values, with other's keys overriding v's on
// conflict, matching the original's params.merge semantics used when
// combining a project's own config with one loaded from an overlay file.
func (v Value) Merge(other Value) Value {
	merged := make(map[string]any, len(v.raw)+len(other.raw))
	for k, val := range v.raw {
		merged[k] = val
	}
	for k, val := range other.raw {
		merged[k] = val
	}
	return Value{raw: merged}
}

// Get returns the raw value stored under key, if any.
func (v Value) Get(key string) (any, bool) {
	val, ok := v.raw[key]
	return val, ok
}

// Int reads an integer-valued key, accepting values YAML decoded as
// either int or string (the substitution pass turns every `${VAR}`
// reference into a string before YAML sees it).
func (v Value) Int(key string) (int, bool) {
	val, ok := v.raw[key]
	if !ok {
		return 0, false
	}
	switch t := val.(type) {
	case int:
		return t, true
	case string:
		n, err := strconv.Atoi(t)
		return n, err == nil
	default:
		return 0, false
	}
}
