package chunkid

import "errors"

var errInvalidLength = errors.New("chunkid: invalid length, want 32 bytes")
