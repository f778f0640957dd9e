package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/HumanChan/web-loader/internal/types"
)

var knownTypes = map[types.ResourceType]bool{
	types.TypeDocument: true, types.TypeStylesheet: true, types.TypeScript: true,
	types.TypeImage: true, types.TypeFont: true, types.TypeAudio: true,
	types.TypeXHR: true, types.TypeFetch: true, types.TypeJSON: true, types.TypeOther: true,
}

// CaptureFilter excludes resources from capture before a record is created.
type CaptureFilter struct {
	ExcludeURLSubstrings []string             `yaml:"exclude_url_substrings"`
	ExcludeTypes         []types.ResourceType `yaml:"exclude_types"`
}

// LoadFilter reads and validates a capture filter YAML file.
func LoadFilter(path string) (*CaptureFilter, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("filter config: %w", err)
	}
	var f CaptureFilter
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("filter config: %w", err)
	}
	for i, s := range f.ExcludeURLSubstrings {
		if strings.TrimSpace(s) == "" {
			return nil, fmt.Errorf("filter config: exclude_url_substrings[%d] is empty", i)
		}
	}
	for i, t := range f.ExcludeTypes {
		if !knownTypes[t] {
			return nil, fmt.Errorf("filter config: exclude_types[%d] unknown type %q", i, t)
		}
	}
	return &f, nil
}

// Excludes reports whether a resource should be dropped.
func (f *CaptureFilter) Excludes(rawURL string, typ types.ResourceType) bool {
	if f == nil {
		return false
	}
	for _, t := range f.ExcludeTypes {
		if t == typ {
			return true
		}
	}
	for _, s := range f.ExcludeURLSubstrings {
		if strings.Contains(rawURL, s) {
			return true
		}
	}
	return false
}
