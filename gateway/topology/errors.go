package topology

import "errors"

var (
	ErrUnknownShard       = errors.New("unknown shard")
	ErrRetiredShard       = errors.New("shard id has been retired")
	ErrVersionUnavailable = errors.New("topology version no longer available")
	ErrVersionConflict    = errors.New("topology version conflict")
)
