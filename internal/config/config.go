// Package config loads the target list file consumed by the service main.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/CynicalPhantom/socket-transfer/pkg/balancer"
)

type TargetConfig struct {
	Port   int `yaml:"port"`
	Weight int `yaml:"weight"`
}

type TargetsFile struct {
	Targets []TargetConfig `yaml:"targets"`
}

// LoadTargets reads a YAML target list and converts it to balancer targets.
func LoadTargets(path string) ([]balancer.Target, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read targets file: %w", err)
	}

	var file TargetsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse targets file: %w", err)
	}

	targets := make([]balancer.Target, 0, len(file.Targets))
	for _, tc := range file.Targets {
		if tc.Port <= 0 || tc.Port > 65535 {
			return nil, fmt.Errorf("invalid target port: %d", tc.Port)
		}
		targets = append(targets, balancer.Target{ID: tc.Port, Weight: tc.Weight})
	}
	return targets, nil
}
