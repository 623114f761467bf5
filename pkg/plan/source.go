package plan

import (
	"context"
	"errors"
	"fmt"
	"os"
	"slices"
	"sync"

	"gopkg.in/yaml.v3"
)

type staticSource struct {
	mu    sync.RWMutex
	plans map[string]Plan
}

// NewStaticSource returns an in-memory Source with a deep copy of the given
// plans. Panics if no plans are provided so a service can never start with an
// empty catalog. Copying prevents callers from mutating the source's state.
func NewStaticSource(plans ...Plan) Source {
	if len(plans) < 1 {
		panic("plan: at least one plan is required")
	}
	cp := make(map[string]Plan, len(plans))
	for _, p := range plans {
		p.Features = slices.Clone(p.Features)
		cp[p.ID] = p
	}
	return &staticSource{plans: cp}
}

func (s *staticSource) Load(ctx context.Context) (map[string]Plan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cp := make(map[string]Plan, len(s.plans))
	for id, p := range s.plans {
		p.Features = slices.Clone(p.Features)
		cp[id] = p
	}
	return cp, nil
}

type fileSource struct {
	path string
}

// NewFileSource returns a Source that reads the plan catalog from a YAML file.
// The file holds a list of plans; see plans.example.yaml for the shape.
func NewFileSource(path string) Source {
	if path == "" {
		panic("plan: catalog file path is required")
	}
	return &fileSource{path: path}
}

func (s *fileSource) Load(ctx context.Context) (map[string]Plan, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, errors.Join(ErrFailedToLoadPlans, err)
	}

	var doc struct {
		Plans []Plan `yaml:"plans"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, errors.Join(ErrFailedToLoadPlans, err)
	}

	plans := make(map[string]Plan, len(doc.Plans))
	for _, p := range doc.Plans {
		if _, dup := plans[p.ID]; dup {
			return nil, errors.Join(ErrInvalidConfiguration,
				fmt.Errorf("duplicate plan ID %s in %s", p.ID, s.path))
		}
		plans[p.ID] = p
	}
	return plans, nil
}
