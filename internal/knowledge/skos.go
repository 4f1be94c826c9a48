package knowledge

import (
	"context"
	"fmt"
	"time"

	"github.com/fortemi/fortemi/internal/ferrors"
	"github.com/fortemi/fortemi/pkg/storage"
)

// CreateConceptInput is the input to [Service.CreateConcept].
type CreateConceptInput struct {
	SchemeID  string
	PrefLabel string
	Notation  string
}

// CreateConcept inserts a new SKOS concept.
func (s *Service) CreateConcept(ctx context.Context, scope storage.Scope, in CreateConceptInput) (string, error) {
	if in.PrefLabel == "" {
		return "", ferrors.New(ferrors.Validation, "knowledge", "concept prefLabel must not be empty")
	}
	id, err := newID()
	if err != nil {
		return "", err
	}
	now := time.Now()
	err = s.exec.Execute(ctx, scope, func(ctx context.Context, repos storage.Repos) error {
		return repos.Skos().CreateConcept(ctx, scope, storage.SkosConcept{
			ID: id, SchemeID: in.SchemeID, PrefLabel: in.PrefLabel, Notation: in.Notation,
			CreatedAt: now, UpdatedAt: now,
		})
	})
	if err != nil {
		return "", fmt.Errorf("knowledge: create concept: %w", err)
	}
	return id, nil
}

// RelateConcepts records a directed, typed SKOS relation between two
// concepts. The storage layer maintains the symmetric inverse (broader ↔
// narrower) automatically.
func (s *Service) RelateConcepts(ctx context.Context, scope storage.Scope, subjectID, objectID string, typ storage.SkosRelationType) error {
	err := s.exec.Execute(ctx, scope, func(ctx context.Context, repos storage.Repos) error {
		return repos.Skos().AddRelation(ctx, scope, storage.SkosRelation{SubjectID: subjectID, ObjectID: objectID, Type: typ})
	})
	if err != nil {
		return fmt.Errorf("knowledge: relate %s -%s-> %s: %w", subjectID, typ, objectID, err)
	}
	return nil
}

// ConceptAncestors returns the chain of broader concepts up to maxDepth.
// Traversal is recursive with a visited set; a cycle in the relation graph
// terminates the branch rather than looping.
func (s *Service) ConceptAncestors(ctx context.Context, scope storage.Scope, id string, maxDepth int) ([]storage.SkosConcept, error) {
	var out []storage.SkosConcept
	err := s.exec.Execute(ctx, scope, func(ctx context.Context, repos storage.Repos) error {
		var err error
		out, err = repos.Skos().Ancestors(ctx, scope, id, maxDepth)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("knowledge: ancestors of %s: %w", id, err)
	}
	return out, nil
}

// ConceptDescendants returns the subtree of narrower concepts up to
// maxDepth, same cycle-guard as [Service.ConceptAncestors].
func (s *Service) ConceptDescendants(ctx context.Context, scope storage.Scope, id string, maxDepth int) ([]storage.SkosConcept, error) {
	var out []storage.SkosConcept
	err := s.exec.Execute(ctx, scope, func(ctx context.Context, repos storage.Repos) error {
		var err error
		out, err = repos.Skos().Descendants(ctx, scope, id, maxDepth)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("knowledge: descendants of %s: %w", id, err)
	}
	return out, nil
}

// CreateCollection creates a collection, optionally nested under parentID.
func (s *Service) CreateCollection(ctx context.Context, scope storage.Scope, name, description, parentID string) (string, error) {
	if name == "" {
		return "", ferrors.New(ferrors.Validation, "knowledge", "collection name must not be empty")
	}
	id, err := newID()
	if err != nil {
		return "", err
	}
	err = s.exec.Execute(ctx, scope, func(ctx context.Context, repos storage.Repos) error {
		existing, err := repos.Collections().GetByName(ctx, scope, name)
		if err != nil {
			return err
		}
		if existing != nil {
			return ferrors.Newf(ferrors.Conflict, "knowledge", "collection %q already exists", name)
		}
		return repos.Collections().Create(ctx, scope, storage.Collection{
			ID: id, Name: name, Description: description, ParentID: parentID, CreatedAt: time.Now(),
		})
	})
	if err != nil {
		return "", fmt.Errorf("knowledge: create collection %s: %w", name, err)
	}
	return id, nil
}

// DeleteCollection removes a collection. Without force it refuses to delete
// a collection with descendants.
func (s *Service) DeleteCollection(ctx context.Context, scope storage.Scope, id string, force bool) error {
	err := s.exec.Execute(ctx, scope, func(ctx context.Context, repos storage.Repos) error {
		return repos.Collections().Delete(ctx, scope, id, force)
	})
	if err != nil {
		return fmt.Errorf("knowledge: delete collection %s: %w", id, err)
	}
	return nil
}
