package engine

import "errors"

// Precondition and invariant errors surfaced by engine operations. Routes and
// the directive consumer map these to response codes; the engine itself stays
// transport-agnostic.
var (
	// ErrRecordNotFound means a target (source_id, local_id) is not in the partition
	ErrRecordNotFound = errors.New("source record not found")
	// ErrEntityNotFound means no entity exists with the requested id
	ErrEntityNotFound = errors.New("entity not found")
	// ErrAmbiguousTarget means the targets resolve to more than one entity
	ErrAmbiguousTarget = errors.New("targets resolve to multiple entities")
	// ErrInsufficientCandidates means link resolved fewer than two distinct entities
	ErrInsufficientCandidates = errors.New("link requires at least two distinct entities")
	// ErrNotSingleOwner means unlink targets span more than one entity
	ErrNotSingleOwner = errors.New("unlink targets must belong to a single entity")
	// ErrWouldEmptyOriginal means unlink would strip every record from the entity
	ErrWouldEmptyOriginal = errors.New("unlink would empty the original entity")
	// ErrContradiction means the stored partition violates its own invariants.
	// Operations abort without mutating and the service keeps running.
	ErrContradiction = errors.New("partition contradiction detected")
	// ErrInvalidRecord means the input itself is malformed
	ErrInvalidRecord = errors.New("invalid record")
)

// IsPrecondition reports whether err is a caller error rather than a service
// failure. Contradictions are deliberately excluded; they are failures. The
// directive consumer uses this to decide commit-versus-retry.
func IsPrecondition(err error) bool {
	for _, kind := range []error{
		ErrRecordNotFound,
		ErrEntityNotFound,
		ErrAmbiguousTarget,
		ErrInsufficientCandidates,
		ErrNotSingleOwner,
		ErrWouldEmptyOriginal,
		ErrInvalidRecord,
	} {
		if errors.Is(err, kind) {
			return true
		}
	}
	return false
}
