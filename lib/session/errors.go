package session

import "github.com/samber/oops"

// ErrSessionExpired covers every "session not usable" case: unknown id, not
// yet established, explicitly closed, or past its idle timeout. Callers are
// expected to treat all of these uniformly by re-establishing.
var ErrSessionExpired = oops.Errorf("session expired or not usable")

// ErrSequence is returned for replayed, duplicate, or excessively far-ahead
// sequence numbers. The error detail distinguishes the cases; the kind does not.
var ErrSequence = oops.Errorf("sequence validation failed")
