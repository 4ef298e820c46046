package ice

import "github.com/pkg/errors"

// Sentinel errors returned by the engine's accessors and packet handlers.
// Nothing in the engine panics: pairing skips candidates of different
// component IDs instead of treating them as an invariant violation.
var (
	errDuplicateCandidate = errors.New("ice: duplicate candidate")
	errUnknownCheckList   = errors.New("ice: check list index out of range")
	errNotSTUNMessage     = errors.New("ice: not a stun message")
	errShortCredential    = errors.New("ice: ufrag or password too short")
	errBadComponentID     = errors.New("ice: component id out of range")
	errBadMaxChecks       = errors.New("ice: max connectivity checks out of range")
	errBadKeepalive       = errors.New("ice: keepalive timeout out of range")
)
