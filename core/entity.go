// Package core holds the generic entity and gateway contracts shared by
// every resource type halyard reconciles, the projection diff used to decide
// whether a save needs to touch AWS, and the bounded polling helper used by
// "wait until stable" operations.
package core

import "context"

// Entity is implemented by every resource halyard manages. An entity wraps
// the resource payload plus a derived primary key; the key is the identity
// used for lookup and for deciding whether two entities describe "the same
// resource" regardless of content.
type Entity interface {
	PK() string

	// RenderForDisplay returns a human readable dump of the entity.
	RenderForDisplay() string
}

// Diffable entities expose a normalized projection of their payload for
// comparison. The projection must be structurally identical whether the
// entity was built from the deploy spec or read back from AWS, given
// equivalent semantic content; the diff algorithm depends on this.
type Diffable interface {
	Entity
	RenderForDiff() any
}

// Gateway is the persistence contract for one entity type. Each gateway
// owns the AWS client binding for its resource; clients are injected at
// construction, never pulled from global state.
//
// Get returns an error satisfying IsDoesNotExist when the platform reports
// the resource absent, and *ErrMultipleObjects when an intended-unique
// lookup is ambiguous. Save creates the resource when absent and updates it
// otherwise; calling Save when nothing changed must not fail. Delete is
// idempotent: deleting an absent resource is not an error.
type Gateway[E Entity] interface {
	Get(ctx context.Context, pk string) (E, error)
	Exists(ctx context.Context, pk string) (bool, error)
	Save(ctx context.Context, e E) error
	Delete(ctx context.Context, e E) error
}
