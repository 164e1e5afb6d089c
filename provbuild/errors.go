package provbuild

import (
	"errors"
	"fmt"
)

// ErrNoWindows indicates the decoder produced no instruction records at
// all — an empty trace has no window for even a single worker to process.
var ErrNoWindows = errors.New("provbuild: trace produced no instruction records")

// BuildError wraps a fatal build error with the cycle at which it
// occurred (§7: "on fatal error the build terminates with the error kind
// and the cycle at which it occurred"). Unwrap exposes the underlying
// sentinel so errors.Is(err, builderr.ErrMissingParent) and friends keep
// working through the wrapper.
type BuildError struct {
	Cycle uint64
	Err   error
}

// Error implements the error interface.
func (e *BuildError) Error() string {
	return fmt.Sprintf("provbuild: build failed at cycle %d: %v", e.Cycle, e.Err)
}

// Unwrap returns the wrapped error, so errors.Is/errors.As see through
// BuildError to the originating builderr/merge sentinel.
func (e *BuildError) Unwrap() error {
	return e.Err
}
