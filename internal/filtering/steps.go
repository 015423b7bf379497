package filtering

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/emirks/applications-of-llms-in-recruitment/internal/candidate"
)

type duplicatesFilter struct{}

// NewDuplicates creates a filter that keeps the first record of every id.
func NewDuplicates() Filter {
	return &duplicatesFilter{}
}

func (f *duplicatesFilter) Name() string { return "duplicates" }

func (f *duplicatesFilter) Disable(string) {}

func (f *duplicatesFilter) IsEnabled() bool { return true }

func (f *duplicatesFilter) Validate(*Config) error { return nil }

func (f *duplicatesFilter) Apply(_ context.Context, deps Deps, r *candidate.Records) (*candidate.Records, Step, error) {
	initial := r.Len()

	seen := make(map[string]struct{}, initial)
	var dropped []string
	kept := (*r)[:0]
	for _, rec := range *r {
		if _, ok := seen[rec.ID]; ok {
			dropped = append(dropped, rec.ID)
			continue
		}
		seen[rec.ID] = struct{}{}
		kept = append(kept, rec)
	}
	*r = kept

	if deps.Logger != nil && len(dropped) > 0 {
		deps.Logger.Warn("dropping candidates with duplicate ids, the first record wins",
			zap.Strings("duplicate_candidates", dropped),
		)
	}

	return r, Step{Initial: initial, Dropped: len(dropped), Left: r.Len()}, nil
}

type excludeFileFilter struct {
	path string
}

// NewExcludeFile creates a filter that removes candidates listed in an exclude file.
func NewExcludeFile() Filter {
	return &excludeFileFilter{}
}

func (f *excludeFileFilter) Name() string { return "exclude_file" }

func (f *excludeFileFilter) Disable(string) {}

func (f *excludeFileFilter) IsEnabled() bool { return true }

func (f *excludeFileFilter) Validate(cfg *Config) error {
	f.path = ""
	if cfg != nil {
		f.path = strings.TrimSpace(cfg.ExcludeFile)
	}
	return nil
}

func (f *excludeFileFilter) Apply(_ context.Context, deps Deps, r *candidate.Records) (*candidate.Records, Step, error) {
	initial := r.Len()
	if f.path == "" {
		return r, Step{Initial: initial, Dropped: 0, Left: r.Len()}, nil
	}

	excluded, err := ReadExcludeFile(f.path)
	if err != nil {
		return r, Step{}, fmt.Errorf("getting excluded candidates from file: %w", err)
	}

	removed := r.Exclude(excluded.IDs())
	if deps.Logger != nil && len(removed) > 0 {
		deps.Logger.Info("excluding candidates based on exclude file",
			zap.String("path", f.path),
			zap.Strings("excluded_candidates", removed),
			zap.Int("candidates_left", r.Len()),
		)
	}

	return r, Step{Initial: initial, Dropped: len(removed), Left: r.Len()}, nil
}

func (f *excludeFileFilter) Status() Status {
	details := map[string]string{}
	if f.path != "" {
		details["path"] = f.path
	}
	return Status{Name: f.Name(), Enabled: true, Details: details}
}

type categoriesFilter struct {
	categories []string
}

// NewCategories creates a filter that keeps candidates of the configured categories.
func NewCategories() Filter {
	return &categoriesFilter{}
}

func (f *categoriesFilter) Name() string { return "categories" }

func (f *categoriesFilter) Disable(string) {}

func (f *categoriesFilter) IsEnabled() bool { return true }

func (f *categoriesFilter) Validate(cfg *Config) error {
	f.categories = nil
	if cfg == nil {
		return nil
	}
	for _, c := range cfg.Categories {
		c = strings.TrimSpace(c)
		if c == "" {
			return fmt.Errorf("empty category in allow-list")
		}
		f.categories = append(f.categories, c)
	}
	return nil
}

func (f *categoriesFilter) Apply(_ context.Context, deps Deps, r *candidate.Records) (*candidate.Records, Step, error) {
	initial := r.Len()
	if len(f.categories) == 0 {
		return r, Step{Initial: initial, Dropped: 0, Left: r.Len()}, nil
	}

	allowed := make(map[string]struct{}, len(f.categories))
	for _, c := range f.categories {
		allowed[strings.ToLower(c)] = struct{}{}
	}

	var ids []string
	for _, rec := range *r {
		if _, ok := allowed[strings.ToLower(rec.Category)]; !ok {
			ids = append(ids, rec.ID)
		}
	}
	removed := r.Exclude(ids)
	if deps.Logger != nil && len(removed) > 0 {
		deps.Logger.Info("excluding candidates outside the configured categories",
			zap.Strings("categories", f.categories),
			zap.Int("excluded", len(removed)),
			zap.Int("candidates_left", r.Len()),
		)
	}

	return r, Step{Initial: initial, Dropped: len(removed), Left: r.Len()}, nil
}

func (f *categoriesFilter) Status() Status {
	details := map[string]string{}
	if len(f.categories) > 0 {
		details["categories"] = strings.Join(f.categories, ",")
	}
	return Status{Name: f.Name(), Enabled: true, Details: details}
}

type emptyProfileFilter struct {
	disabled bool
	reason   string
}

// NewEmptyProfile creates a filter that removes candidates without a single statement.
func NewEmptyProfile() Filter {
	return &emptyProfileFilter{}
}

func (f *emptyProfileFilter) Name() string { return "empty_profile" }

func (f *emptyProfileFilter) Disable(reason string) {
	f.disabled = true
	f.reason = reason
}

func (f *emptyProfileFilter) IsEnabled() bool { return !f.disabled }

func (f *emptyProfileFilter) Validate(*Config) error { return nil }

func (f *emptyProfileFilter) Apply(_ context.Context, deps Deps, r *candidate.Records) (*candidate.Records, Step, error) {
	initial := r.Len()

	counts := candidate.CountByOwner(*r, candidate.BuildCorpus(*r))
	var ids []string
	for _, rec := range *r {
		if counts[rec.ID] == 0 {
			ids = append(ids, rec.ID)
		}
	}
	removed := r.Exclude(ids)
	if deps.Logger != nil && len(removed) > 0 {
		deps.Logger.Info("excluding candidates without any statement",
			zap.Strings("excluded_candidates", removed),
			zap.Int("candidates_left", r.Len()),
		)
	}

	return r, Step{Initial: initial, Dropped: len(removed), Left: r.Len()}, nil
}

func (f *emptyProfileFilter) Status() Status {
	return Status{
		Name:    f.Name(),
		Enabled: f.IsEnabled(),
		Reason:  f.reason,
		Details: map[string]string{"keep_empty": strconv.FormatBool(f.disabled)},
	}
}
