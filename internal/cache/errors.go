package cache

import "errors"

// ErrPairAlreadyExists is returned by AddPair when the pair is already
// tracked. Per the error-handling design, this is caller misuse, not a
// transient condition — it is never retried.
var ErrPairAlreadyExists = errors.New("cache: pair already exists")
