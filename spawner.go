package spawnkit

import (
	"context"
	"time"
)

// Spawner is the narrow extension seam a pool or supervisor on top of
// this package would implement against: something that can spawn a
// configured app and report when it was created. This package does not
// itself provide pooling, reuse, or scheduling -- those are explicitly
// out of scope -- it only defines the interface a caller-supplied pool
// would need to satisfy to drive HandshakePrepare/HandshakePerform.
type Spawner interface {
	// Spawn runs one full Prepare+Perform cycle for cfg and returns its
	// Result, or an error on failure: a *SpawnError once spawning has
	// begun, a plain error when cfg fails validation.
	Spawn(ctx context.Context, cfg *Config) (*Result, error)

	// CreationTime reports when this Spawner instance itself was
	// created, not when it last spawned a process -- mirrored from the
	// handshake's own Spawner base so a pool can age out spawners the
	// same way it ages out processes.
	CreationTime() time.Time
}
