package discovery

import (
	"context"
	"fmt"
	"os"

	yaml "go.yaml.in/yaml/v3"
)

// FileSource reads postings from a YAML seed file:
//
//	jobs:
//	  - platform: lever
//	    url: https://jobs.lever.co/acme/123
//	    payload: {resume: default}
//
// The file is re-read on every Discover so edits are picked up without a restart.
type FileSource struct {
	path string
}

type seedFile struct {
	Jobs []seedJob `yaml:"jobs"`
}

type seedJob struct {
	Platform string            `yaml:"platform"`
	URL      string            `yaml:"url"`
	Payload  map[string]string `yaml:"payload"`
}

// NewFileSource returns a source backed by path.
func NewFileSource(path string) *FileSource {
	return &FileSource{path: path}
}

// Name implements Source.
func (s *FileSource) Name() string { return "file" }

// Discover implements Source.
func (s *FileSource) Discover(_ context.Context) ([]Candidate, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("read seed file: %w", err)
	}
	var seed seedFile
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return nil, fmt.Errorf("yaml unmarshal: %w", err)
	}
	out := make([]Candidate, 0, len(seed.Jobs))
	for i, j := range seed.Jobs {
		if j.Platform == "" || j.URL == "" {
			return nil, fmt.Errorf("seed job %d: platform and url are required", i)
		}
		out = append(out, Candidate(j))
	}
	return out, nil
}
