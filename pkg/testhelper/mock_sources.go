package testhelper

import (
	"context"
	"fmt"

	"github.com/connectica/enrichd/internal/domain/entity"
	"github.com/connectica/enrichd/internal/domain/serviceconfig"
)

// StaticConfigSource is a serviceconfig.Source backed by a fixed slice.
type StaticConfigSource struct {
	Descriptors []serviceconfig.Descriptor
	ShouldFail  bool
}

func (s *StaticConfigSource) LoadAll(ctx context.Context) ([]serviceconfig.Descriptor, error) {
	if s.ShouldFail {
		return nil, fmt.Errorf("mock config source: load failed")
	}
	return s.Descriptors, nil
}

// StaticCandidateSource is an entity.Source backed by a fixed slice.
type StaticCandidateSource struct {
	Items      []entity.Candidate
	ShouldFail bool
	Calls      int
}

func (s *StaticCandidateSource) Candidates(ctx context.Context, serviceName string, kind entity.Kind) ([]entity.Candidate, error) {
	s.Calls++
	if s.ShouldFail {
		return nil, fmt.Errorf("mock candidate source: load failed")
	}
	if kind == "" {
		return s.Items, nil
	}
	var out []entity.Candidate
	for _, c := range s.Items {
		if c.Ref.Kind == kind {
			out = append(out, c)
		}
	}
	return out, nil
}
