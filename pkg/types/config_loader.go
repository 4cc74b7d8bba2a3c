package types

import (
	"encoding/json"
	"fmt"
	"os"
)

// EdgesConfig represents the JSON structure for static edge topology
type EdgesConfig struct {
	Edges []*EdgeLocation `json:"edges"`
}

// LoadEdgesFromFile loads edge endpoints from a JSON file
func LoadEdgesFromFile(path string) ([]*EdgeLocation, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read edges file: %w", err)
	}

	var cfg EdgesConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse edges JSON: %w", err)
	}

	for _, e := range cfg.Edges {
		if e.ID == "" {
			return nil, fmt.Errorf("edge with URL %q has no id", e.URL)
		}
		if e.URL == "" {
			return nil, fmt.Errorf("edge %q has no URL", e.ID)
		}
	}

	return cfg.Edges, nil
}
