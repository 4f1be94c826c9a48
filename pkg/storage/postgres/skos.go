package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/fortemi/fortemi/pkg/storage"
)

type skosRepo struct{ db dbtx }

func (r skosRepo) CreateConcept(ctx context.Context, _ storage.Scope, c storage.SkosConcept) error {
	const q = `
		INSERT INTO skos_concepts (id, scheme_id, pref_label, notation, obsolete, replaced_by, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,NULLIF($6,''),$7,$8)`
	if _, err := r.db.Exec(ctx, q, c.ID, c.SchemeID, c.PrefLabel, c.Notation, c.Obsolete, c.ReplacedBy,
		c.CreatedAt, c.UpdatedAt); err != nil {
		return fmt.Errorf("skos: create concept: %w", err)
	}
	return nil
}

func (r skosRepo) GetConcept(ctx context.Context, _ storage.Scope, id string) (*storage.SkosConcept, error) {
	const q = `
		SELECT id, scheme_id, pref_label, notation, obsolete, COALESCE(replaced_by,''), created_at, updated_at
		FROM skos_concepts WHERE id = $1`
	var c storage.SkosConcept
	err := r.db.QueryRow(ctx, q, id).Scan(&c.ID, &c.SchemeID, &c.PrefLabel, &c.Notation, &c.Obsolete,
		&c.ReplacedBy, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("skos: get concept: %w", err)
	}
	return &c, nil
}

func (r skosRepo) UpdateConcept(ctx context.Context, _ storage.Scope, c storage.SkosConcept) error {
	const q = `
		UPDATE skos_concepts
		SET pref_label = $2, notation = $3, obsolete = $4, replaced_by = NULLIF($5,''), updated_at = now()
		WHERE id = $1`
	if _, err := r.db.Exec(ctx, q, c.ID, c.PrefLabel, c.Notation, c.Obsolete, c.ReplacedBy); err != nil {
		return fmt.Errorf("skos: update concept: %w", err)
	}
	return nil
}

func (r skosRepo) AddRelation(ctx context.Context, scope storage.Scope, rel storage.SkosRelation) error {
	const q = `
		INSERT INTO skos_relations (subject_id, object_id, rel_type)
		VALUES ($1,$2,$3)
		ON CONFLICT (subject_id, object_id, rel_type) DO NOTHING`
	if _, err := r.db.Exec(ctx, q, rel.SubjectID, rel.ObjectID, rel.Type); err != nil {
		return fmt.Errorf("skos: add relation: %w", err)
	}
	// broader is auto-maintained as the inverse of narrower (and vice versa)
	// so traversal in either direction sees a consistent hierarchy.
	if rel.Type == storage.SkosBroader {
		if _, err := r.db.Exec(ctx, q, rel.ObjectID, rel.SubjectID, storage.SkosNarrower); err != nil {
			return fmt.Errorf("skos: add inverse narrower: %w", err)
		}
	} else if rel.Type == storage.SkosNarrower {
		if _, err := r.db.Exec(ctx, q, rel.ObjectID, rel.SubjectID, storage.SkosBroader); err != nil {
			return fmt.Errorf("skos: add inverse broader: %w", err)
		}
	}
	return nil
}

func (r skosRepo) RemoveRelation(ctx context.Context, _ storage.Scope, subjectID, objectID string, typ storage.SkosRelationType) error {
	const q = `DELETE FROM skos_relations WHERE subject_id = $1 AND object_id = $2 AND rel_type = $3`
	if _, err := r.db.Exec(ctx, q, subjectID, objectID, typ); err != nil {
		return fmt.Errorf("skos: remove relation: %w", err)
	}
	return nil
}

// Ancestors walks `broader` edges from id up to maxDepth hops, tracking
// visited concepts in a TEXT[] to terminate cycles rather than looping.
func (r skosRepo) Ancestors(ctx context.Context, scope storage.Scope, id string, maxDepth int) ([]storage.SkosConcept, error) {
	return r.traverse(ctx, id, maxDepth, storage.SkosBroader)
}

// Descendants walks `narrower` edges from id up to maxDepth hops.
func (r skosRepo) Descendants(ctx context.Context, scope storage.Scope, id string, maxDepth int) ([]storage.SkosConcept, error) {
	return r.traverse(ctx, id, maxDepth, storage.SkosNarrower)
}

func (r skosRepo) traverse(ctx context.Context, id string, maxDepth int, relType storage.SkosRelationType) ([]storage.SkosConcept, error) {
	const q = `
		WITH RECURSIVE walk AS (
		    SELECT id, ARRAY[id] AS visited, 0 AS depth
		    FROM   skos_concepts
		    WHERE  id = $1

		    UNION ALL

		    SELECT c.id, w.visited || c.id, w.depth + 1
		    FROM   walk w
		    JOIN   skos_relations rel ON rel.subject_id = w.id AND rel.rel_type = $3
		    JOIN   skos_concepts  c   ON c.id = rel.object_id
		    WHERE  w.depth < $2
		      AND  NOT (c.id = ANY(w.visited))
		)
		SELECT DISTINCT ON (c.id)
		       c.id, c.scheme_id, c.pref_label, c.notation, c.obsolete, COALESCE(c.replaced_by,''),
		       c.created_at, c.updated_at
		FROM   walk w
		JOIN   skos_concepts c ON c.id = w.id
		WHERE  w.id != $1
		ORDER  BY c.id`

	rows, err := r.db.Query(ctx, q, id, maxDepth, relType)
	if err != nil {
		return nil, fmt.Errorf("skos: traverse: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (storage.SkosConcept, error) {
		var c storage.SkosConcept
		err := row.Scan(&c.ID, &c.SchemeID, &c.PrefLabel, &c.Notation, &c.Obsolete, &c.ReplacedBy,
			&c.CreatedAt, &c.UpdatedAt)
		return c, err
	})
	if err != nil {
		return nil, fmt.Errorf("skos: traverse scan: %w", err)
	}
	if out == nil {
		out = []storage.SkosConcept{}
	}
	return out, nil
}

// Merge marks each source concept obsolete with replaced_by = target and
// records a merge-history row, all within the caller's transaction so the
// operation is atomic. It does not move tag assignments from the sources
// to target.
func (r skosRepo) Merge(ctx context.Context, _ storage.Scope, sourceIDs []string, targetID string) error {
	for _, src := range sourceIDs {
		if src == targetID {
			continue
		}
		if _, err := r.db.Exec(ctx, `
			UPDATE skos_concepts SET obsolete = true, replaced_by = $2, updated_at = now()
			WHERE id = $1`, src, targetID); err != nil {
			return fmt.Errorf("skos: merge mark obsolete: %w", err)
		}
		if _, err := r.db.Exec(ctx, `
			INSERT INTO skos_merge_history (source_id, target_id) VALUES ($1,$2)`, src, targetID); err != nil {
			return fmt.Errorf("skos: merge history: %w", err)
		}
	}
	return nil
}
