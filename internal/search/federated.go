package search

import (
	"context"
	"fmt"
	"sort"

	"github.com/fortemi/fortemi/pkg/storage"
)

// federatedSearch executes the same pipeline on each named archive and
// merges the result lists, per spec.md §4.6 step 8. Within each archive,
// scores are rescaled to [0,1] by dividing by that archive's top score
// (max-normalization, SPEC_FULL's resolution of the federated-normalization
// Open Question); the merged list is sorted by normalized score.
func (e *Engine) federatedSearch(ctx context.Context, q Query, archives []string) (Result, error) {
	if len(archives) == 1 && archives[0] == "all" {
		all, err := e.allArchives(ctx)
		if err != nil {
			return Result{}, err
		}
		archives = all
	}

	perArchiveMode := ModeHybrid
	merged := Result{}

	for _, archive := range archives {
		sub := q
		sub.Mode = perArchiveMode
		sub.Memory = nil

		res, err := e.Search(ctx, storage.Scope{Archive: archive}, sub)
		if err != nil {
			merged.Warnings = append(merged.Warnings, fmt.Sprintf("archive %q: %v", archive, err))
			continue
		}

		top := 0.0
		for _, h := range res.Hits {
			if h.Score > top {
				top = h.Score
			}
		}
		for _, h := range res.Hits {
			if top > 0 {
				h.Score = h.Score / top
			}
			h.Archive = archive
			merged.Hits = append(merged.Hits, h)
		}
		merged.Warnings = append(merged.Warnings, res.Warnings...)
		merged.Coverage.MatchedDocuments += res.Coverage.MatchedDocuments
		merged.Coverage.EmbeddedDocuments += res.Coverage.EmbeddedDocuments
	}

	sort.SliceStable(merged.Hits, func(i, j int) bool { return merged.Hits[i].Score > merged.Hits[j].Score })
	if q.Limit > 0 && len(merged.Hits) > q.Limit {
		merged.Hits = merged.Hits[:q.Limit]
	}
	return merged, nil
}

// allArchives lists every registered archive name for a `memory: ["all"]`
// federated query.
func (e *Engine) allArchives(ctx context.Context) ([]string, error) {
	var names []string
	err := e.deps.Exec.Execute(ctx, storage.DefaultScope(), func(txCtx context.Context, tx storage.Repos) error {
		list, err := tx.Archives().List(txCtx)
		if err != nil {
			return err
		}
		for _, a := range list {
			names = append(names, a.Name)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("search: federated: list archives: %w", err)
	}
	return names, nil
}
