// Copyright (c) Peter Newcomb. All rights reserved.
// Licensed under the MIT License.

package simfleet

type constError string

func (e constError) Error() string {
	return string(e)
}

// ErrSpawn wraps failures to start a child process. A slot that hits it
// aborts; the rest of the fleet keeps running.
const ErrSpawn = constError("failed to spawn process")

const ErrInvalidConfig = constError("invalid configuration")
const ErrUnknownCollectMode = constError("unknown collect mode")

// ErrMergeFailed is reported when the merge step ran but did not exit zero.
const ErrMergeFailed = constError("merge step failed")
