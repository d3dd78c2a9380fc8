package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type downloadEntry struct {
	URL    string `yaml:"url"`
	Output string `yaml:"output,omitempty"`
}

func readDownloadList(path string) ([]downloadEntry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var entries []downloadEntry
	if err := yaml.Unmarshal(data, &entries); err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("batch list %s is empty", path)
	}
	for i, entry := range entries {
		if entry.URL == "" {
			return nil, fmt.Errorf("batch entry %d has no url", i)
		}
	}
	return entries, nil
}
