package asset

import (
	"strings"
	"time"
)

// SortOrder defines how results should be ordered when listing asset records.
type SortOrder int

const (
	// SortByUpdatedDesc orders records by UpdatedAt descending (most recent first).
	SortByUpdatedDesc SortOrder = iota
	// SortByUpdatedAsc orders records by UpdatedAt ascending (oldest first).
	SortByUpdatedAsc
)

// ListOptions controls how asset records are selected when querying the store.
type ListOptions struct {
	Limit       int
	Offset      int
	Stages      []Stage
	Kinds       []Kind
	UpdatedGTE  int64
	UpdatedLTE  int64
	HasVaultRef *bool
	Order       SortOrder
	Query       string
}

// applyDefaults sanitizes the options and fills in default values.
func (opts *ListOptions) applyDefaults() {
	if opts.Limit <= 0 {
		opts.Limit = 20
	}
	if opts.Limit > 100 {
		opts.Limit = 100
	}
	if opts.Offset < 0 {
		opts.Offset = 0
	}
	if opts.Stages != nil {
		opts.Stages = normalizeStages(opts.Stages)
	}
	if opts.Kinds != nil {
		opts.Kinds = normalizeKinds(opts.Kinds)
	}
	if opts.Order != SortByUpdatedAsc {
		opts.Order = SortByUpdatedDesc
	}
	opts.Query = strings.TrimSpace(opts.Query)
}

// ListOption mutates ListOptions.
type ListOption func(*ListOptions)

// WithLimit limits the number of records returned.
func WithLimit(limit int) ListOption {
	return func(opts *ListOptions) {
		opts.Limit = limit
	}
}

// WithOffset skips the first n matching records before returning results.
func WithOffset(offset int) ListOption {
	return func(opts *ListOptions) {
		opts.Offset = offset
	}
}

// WithStages filters records by the provided pipeline stages.
func WithStages(stages ...Stage) ListOption {
	return func(opts *ListOptions) {
		opts.Stages = append(opts.Stages[:0], stages...)
	}
}

// WithKinds filters records by asset kind.
func WithKinds(kinds ...Kind) ListOption {
	return func(opts *ListOptions) {
		opts.Kinds = append(opts.Kinds[:0], kinds...)
	}
}

// WithUpdatedSince filters records updated after the provided instant (inclusive).
func WithUpdatedSince(ts time.Time) ListOption {
	return func(opts *ListOptions) {
		if ts.IsZero() {
			opts.UpdatedGTE = 0
			return
		}
		opts.UpdatedGTE = ts.Unix()
	}
}

// WithUpdatedUntil filters records updated before the provided instant (inclusive).
func WithUpdatedUntil(ts time.Time) ListOption {
	return func(opts *ListOptions) {
		if ts.IsZero() {
			opts.UpdatedLTE = 0
			return
		}
		opts.UpdatedLTE = ts.Unix()
	}
}

// WithVaultPresence filters records by whether a vault reference has been assigned.
func WithVaultPresence(sealed bool) ListOption {
	return func(opts *ListOptions) {
		opts.HasVaultRef = new(bool)
		*opts.HasVaultRef = sealed
	}
}

// WithSortOrder changes the returned order of records.
func WithSortOrder(order SortOrder) ListOption {
	return func(opts *ListOptions) {
		opts.Order = order
	}
}

// WithQuery filters records by fuzzy matching across id, fingerprint, source and error fields.
func WithQuery(query string) ListOption {
	return func(opts *ListOptions) {
		opts.Query = query
	}
}

// buildListOptions applies option functions on top of defaults.
func buildListOptions(opts []ListOption) ListOptions {
	options := ListOptions{}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}
	options.applyDefaults()
	return options
}

func normalizeStages(input []Stage) []Stage {
	if len(input) == 0 {
		return nil
	}
	seen := make(map[Stage]struct{}, len(input))
	result := make([]Stage, 0, len(input))
	for _, stage := range input {
		if !IsValidStage(stage) {
			continue
		}
		if _, ok := seen[stage]; ok {
			continue
		}
		seen[stage] = struct{}{}
		result = append(result, stage)
	}
	if len(result) == 0 {
		return nil
	}
	return result
}

func normalizeKinds(input []Kind) []Kind {
	if len(input) == 0 {
		return nil
	}
	seen := make(map[Kind]struct{}, len(input))
	result := make([]Kind, 0, len(input))
	for _, kind := range input {
		if !IsValidKind(kind) {
			continue
		}
		if _, ok := seen[kind]; ok {
			continue
		}
		seen[kind] = struct{}{}
		result = append(result, kind)
	}
	if len(result) == 0 {
		return nil
	}
	return result
}
