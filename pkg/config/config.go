// Copyright 2022-2024 The Parca Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

var (
	ErrEmptyConfig  = errors.New("empty config")
	ErrInvalidScale = errors.New("invalid scale")
)

// Scale describes one element of the counter array the BPF program keeps
// per stack, e.g. sample counts or nanoseconds spent off CPU.
type Scale struct {
	Type   string `yaml:"type" json:"type"`
	Period int64  `yaml:"period" json:"period"`
	Unit   string `yaml:"unit,omitempty" json:"unit,omitempty"`
}

// String renders the scale as the counts table header, "type/periodunit".
func (s Scale) String() string {
	return fmt.Sprintf("%s/%d%s", s.Type, s.Period, s.Unit)
}

// Config holds all the configuration information for the stack collector.
type Config struct {
	Scales []Scale `yaml:"scales,omitempty"`
	// TopK overrides the number of reported stacks when non-zero.
	TopK int `yaml:"top_k,omitempty"`
	// ShowDelta overrides whether counters are cleared on every read.
	ShowDelta *bool `yaml:"show_delta,omitempty"`
}

// DefaultScales is used when no configuration file is given.
func DefaultScales() []Scale {
	return []Scale{{Type: "count", Period: 1}}
}

func (c Config) String() string {
	b, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Sprintf("<error creating config string: %s>", err)
	}
	return string(b)
}

// Validate checks the scales and fills in the defaults.
func (c *Config) Validate() error {
	if len(c.Scales) == 0 {
		c.Scales = DefaultScales()
	}
	for i, s := range c.Scales {
		if s.Type == "" {
			return fmt.Errorf("scale %d: empty type: %w", i, ErrInvalidScale)
		}
		if s.Period < 0 {
			return fmt.Errorf("scale %d (%s): negative period %d: %w", i, s.Type, s.Period, ErrInvalidScale)
		}
	}
	if c.TopK < 0 {
		return fmt.Errorf("negative top_k %d", c.TopK)
	}
	return nil
}

// Load parses the YAML input b into a Config.
func Load(b []byte) (*Config, error) {
	if len(b) == 0 {
		return nil, ErrEmptyConfig
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling YAML: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile parses the given YAML file into a Config.
func LoadFile(filename string) (*Config, error) {
	content, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	cfg, err := Load(content)
	if err != nil {
		return nil, fmt.Errorf("parsing YAML file %s: %w", filename, err)
	}
	return cfg, nil
}
