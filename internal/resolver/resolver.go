// Package resolver implements the source resolver of spec §6: routing a
// URL to the first registered model.Source whose CanHandle matches, in
// registration order, and looking one up again by its persisted
// SourceType name when restoring a task. Grounded on the teacher's
// straightforward registry-less single-source design (surge only ever
// talks HTTP); this package generalizes that to the spec's pluggable
// multi-source model so FTP/BitTorrent/HLS sources can register
// alongside the HTTP source without the coordinator knowing about them.
package resolver

import (
	"fmt"

	"github.com/haulio/haul/internal/model"
)

// Resolver routes a URL (or a persisted source-type name) to the
// model.Source that should handle it.
type Resolver struct {
	sources []model.Source
}

func New(sources ...model.Source) *Resolver {
	return &Resolver{sources: sources}
}

// Register appends a source to the end of the routing order: earlier
// registrations win ties, matching spec §6's "registration order" rule.
func (r *Resolver) Register(s model.Source) {
	r.sources = append(r.sources, s)
}

// Resolve returns the first registered source that can handle rawurl.
func (r *Resolver) Resolve(rawurl string) (model.Source, error) {
	for _, s := range r.sources {
		if s.CanHandle(rawurl) {
			return s, nil
		}
	}
	return nil, fmt.Errorf("resolver: no source can handle %q", rawurl)
}

// ByType looks up a source by its persisted Type() name, used to resume a
// task without re-running CanHandle against the original URL (spec §4.C:
// a restored TaskRecord carries SourceType, not a fresh URL classification).
func (r *Resolver) ByType(sourceType string) (model.Source, error) {
	for _, s := range r.sources {
		if s.Type() == sourceType {
			return s, nil
		}
	}
	return nil, fmt.Errorf("resolver: no source registered for type %q", sourceType)
}
