package supervisor

import (
	"errors"
	"fmt"
)

var (
	ErrAlreadyRunning = errors.New("supervisor: agent already running")
	ErrNotRunning     = errors.New("supervisor: agent not running")
	ErrSpawnFailed    = errors.New("supervisor: spawn failed")
	ErrInvalidSize    = errors.New("supervisor: invalid terminal size")
)

// SpawnError reports why a process or its terminal could not be started.
// errors.Is(err, ErrSpawnFailed) holds for every SpawnError.
type SpawnError struct {
	AgentID string
	Err     error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("supervisor: spawn %s: %v", e.AgentID, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

func (e *SpawnError) Is(target error) bool { return target == ErrSpawnFailed }
