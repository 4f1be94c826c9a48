package backup

import (
	"fmt"
	"sync"

	"github.com/fortemi/fortemi/internal/ferrors"
)

// WarningKind enumerates what a migration transform may have done to the
// data it touched.
type WarningKind string

const (
	FieldRemoved        WarningKind = "field_removed"
	FieldRenamed        WarningKind = "field_renamed"
	DefaultApplied      WarningKind = "default_applied"
	UnknownFieldIgnored WarningKind = "unknown_field_ignored"
	DataTruncated       WarningKind = "data_truncated"
)

// Warning records one noteworthy side effect of a migration transform.
type Warning struct {
	Kind      WarningKind
	Component string
	Detail    string
}

// Transform converts a shard at one version into the next version in a
// migration edge. It receives the full previous shard (manifest included)
// and returns the migrated shard plus any warnings generated along the way.
type Transform func(prev *Shard) (*Shard, []Warning, error)

type edge struct {
	to        Version
	transform Transform
}

// Registry is a directed graph of (from, to, transform) migration edges,
// keyed by source version. [Registry.Migrate] finds the shortest path
// between two versions via breadth-first search and applies each edge's
// transform in sequence. [Registry.Register] rejects edges that would
// create a cycle, checked with the same recursive depth-first
// visited-set/in-progress-set traversal internal/knowledge uses for SKOS
// concept ancestry, applied here to version nodes instead of concepts.
type Registry struct {
	mu    sync.RWMutex
	edges map[Version][]edge
}

// NewRegistry returns an empty migration registry.
func NewRegistry() *Registry {
	return &Registry{edges: map[Version][]edge{}}
}

// Register adds a from -> to migration edge. Returns a
// [ferrors.Validation] error if from == to, or if adding the edge would
// create a cycle reachable from any node in the graph.
func (r *Registry) Register(from, to Version, transform Transform) error {
	if from == to {
		return ferrors.Newf(ferrors.Validation, "backup", "migration edge %s -> %s is a self-loop", from, to)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	tentative := make(map[Version][]edge, len(r.edges)+1)
	for k, v := range r.edges {
		tentative[k] = append([]edge{}, v...)
	}
	tentative[from] = append(tentative[from], edge{to: to, transform: transform})

	if cyc := findCycle(tentative); cyc != "" {
		return ferrors.Newf(ferrors.Validation, "backup", "registering %s -> %s would create a cycle through %s", from, to, cyc)
	}

	r.edges[from] = tentative[from]
	return nil
}

// findCycle runs a colored DFS (white/grey/black) over graph and returns a
// human-readable description of the first cycle found, or "" if the graph
// is acyclic.
func findCycle(graph map[Version][]edge) string {
	const (
		white = 0
		grey  = 1
		black = 2
	)
	color := map[Version]int{}

	var visit func(v Version) string
	visit = func(v Version) string {
		color[v] = grey
		for _, e := range graph[v] {
			switch color[e.to] {
			case grey:
				return fmt.Sprintf("%s -> %s", v, e.to)
			case white:
				if cyc := visit(e.to); cyc != "" {
					return cyc
				}
			}
		}
		color[v] = black
		return ""
	}

	for v := range graph {
		if color[v] == white {
			if cyc := visit(v); cyc != "" {
				return cyc
			}
		}
	}
	return ""
}

// path runs breadth-first search over r.edges from start to target,
// returning the sequence of edges to traverse. Returns an error if target
// is unreachable from start.
func (r *Registry) path(start, target Version) ([]edge, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if start == target {
		return nil, nil
	}

	type frame struct {
		version Version
		path    []edge
	}
	visited := map[Version]bool{start: true}
	queue := []frame{{version: start}}

	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, e := range r.edges[cur.version] {
			if visited[e.to] {
				continue
			}
			nextPath := append(append([]edge{}, cur.path...), e)
			if e.to == target {
				return nextPath, nil
			}
			visited[e.to] = true
			queue = append(queue, frame{version: e.to, path: nextPath})
		}
	}
	return nil, fmt.Errorf("no migration path from %s to %s", start, target)
}

// Migrate finds a path from shard's version to target and replays each
// edge's transform in order, accumulating warnings. The manifest is rebuilt
// after every hop, so the returned shard's checksums are computed from the
// migrated data; Import's post-migration check confirms that manifest and
// data agree, and does not detect a transform that alters or drops data.
func (r *Registry) Migrate(shard *Shard, target Version) (*Shard, []Warning, error) {
	edges, err := r.path(shard.Manifest.Version, target)
	if err != nil {
		return nil, nil, err
	}

	current := shard
	var allWarnings []Warning
	for _, e := range edges {
		migrated, warnings, err := e.transform(current)
		if err != nil {
			return nil, nil, fmt.Errorf("backup: migrate %s -> %s: %w", current.Manifest.Version, e.to, err)
		}
		sortShard(migrated)
		manifest, err := buildManifest(migrated, e.to)
		if err != nil {
			return nil, nil, err
		}
		migrated.Manifest = manifest
		current = migrated
		allWarnings = append(allWarnings, warnings...)
	}
	return current, allWarnings, nil
}
