package entity

import (
	"context"
	"fmt"
)

// Kind enumerates the record types that enrichment services operate on.
// The scheduling core never resolves a Ref to a concrete record; callers do.
type Kind string

const (
	KindCompany Kind = "company"
	KindDomain  Kind = "domain"
	KindPerson  Kind = "person"
)

// Ref is a tagged reference to an auditable record.
type Ref struct {
	Kind Kind  `json:"kind"`
	ID   int64 `json:"id,string"`
}

func (r Ref) String() string {
	return fmt.Sprintf("%s:%d", r.Kind, r.ID)
}

// Candidate pairs a Ref with an optional caller-supplied sort key (e.g.
// revenue) used to order eligible sets deterministically.
type Candidate struct {
	Ref     Ref
	SortKey float64
}

// Source resolves the candidate population for a service. Implementations
// live outside the scheduling core; the core never queries entity tables.
// An empty kind means "all kinds".
type Source interface {
	Candidates(ctx context.Context, serviceName string, kind Kind) ([]Candidate, error)
}

// ValidKind reports whether k names a known entity kind.
func ValidKind(k Kind) bool {
	switch k {
	case KindCompany, KindDomain, KindPerson:
		return true
	default:
		return false
	}
}
