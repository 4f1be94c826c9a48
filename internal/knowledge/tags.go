package knowledge

import (
	"context"
	"strings"

	"github.com/fortemi/fortemi/pkg/storage"
)

// normalizeTag lowercases a tag and trims redundant slashes, preserving the
// hierarchical "a/b/c" form.
func normalizeTag(tag string) string {
	parts := strings.Split(strings.ToLower(strings.TrimSpace(tag)), "/")
	kept := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, "/")
}

// attachTags interns and attaches every tag in tags to noteID, skipping
// anything that normalizes to empty.
func attachTags(ctx context.Context, repos storage.Repos, scope storage.Scope, noteID string, tags []string, source storage.TagSource) error {
	for _, raw := range tags {
		tag := normalizeTag(raw)
		if tag == "" {
			continue
		}
		if err := repos.Tags().Intern(ctx, scope, tag); err != nil {
			return err
		}
		if err := repos.Tags().Attach(ctx, scope, noteID, tag, source); err != nil {
			return err
		}
	}
	return nil
}

// applyTagDiff computes the symmetric difference between noteID's current
// tags and want, interning/attaching additions and detaching removals.
func applyTagDiff(ctx context.Context, repos storage.Repos, scope storage.Scope, noteID string, want []string) error {
	current, err := repos.Tags().ForNote(ctx, scope, noteID)
	if err != nil {
		return err
	}
	have := make(map[string]bool, len(current))
	for _, nt := range current {
		have[nt.Tag] = true
	}

	wantSet := make(map[string]bool, len(want))
	for _, raw := range want {
		if tag := normalizeTag(raw); tag != "" {
			wantSet[tag] = true
		}
	}

	for tag := range wantSet {
		if !have[tag] {
			if err := repos.Tags().Intern(ctx, scope, tag); err != nil {
				return err
			}
			if err := repos.Tags().Attach(ctx, scope, noteID, tag, storage.TagSourceUser); err != nil {
				return err
			}
		}
	}
	for tag := range have {
		if !wantSet[tag] {
			if err := repos.Tags().Detach(ctx, scope, noteID, tag); err != nil {
				return err
			}
		}
	}
	return nil
}
