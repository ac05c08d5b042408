package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Policy is the deployment policy file: which prebuilt units may run, whether
// uploads are accepted, and what the periodic monitor samples. It is read at
// startup and only replaced via an explicit reload; executing code never sees
// a mutable handle to it.
type Policy struct {
	AllowDefault   []string `yaml:"allow_default"`
	AllowLabOnly   []string `yaml:"allow_lab_only"`
	UploadsEnabled bool     `yaml:"uploads_enabled"`

	Monitor struct {
		Interval time.Duration `yaml:"interval"`
		Targets  []string      `yaml:"targets"`
	} `yaml:"monitor"`
}

// LoadPolicy parses the YAML policy file at path.
func LoadPolicy(path string) (Policy, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, fmt.Errorf("read policy file: %w", err)
	}
	var p Policy
	if err := yaml.Unmarshal(raw, &p); err != nil {
		return Policy{}, fmt.Errorf("parse policy file: %w", err)
	}
	return p, nil
}
