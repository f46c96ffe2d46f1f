// Package engine defines the error taxonomy shared by the dispatch core.
package engine

import (
	"errors"
	"fmt"

	"github.com/example/shuttle-dispatch/internal/models"
)

// ValidationError rejects an operator action whose precondition is not
// met (arrived too far from pickup, no-show called too early). The
// action may be retried once the precondition holds.
type ValidationError struct {
	Op     string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Op, e.Reason)
}

// InvalidStateError rejects a lifecycle transition attempted on a ride
// in the wrong (usually terminal) state. Nothing is mutated.
type InvalidStateError struct {
	RideID string
	From   models.RideStatus
	To     models.RideStatus
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("ride %s: invalid transition %s -> %s", e.RideID, e.From, e.To)
}

// ErrNoFeasibleInsertion signals that no vehicle could absorb a request
// in this scan pass. It is a deferred state, not a failure: the request
// stays pending and its retry counter increments.
var ErrNoFeasibleInsertion = errors.New("no feasible insertion")

// ErrStaleAck marks a rebroadcast whose target ride left the pre-pickup
// window. Sweeps drop these silently.
var ErrStaleAck = errors.New("stale acknowledgment target")

// ErrOptimizerUnavailable is returned when the delegated stop-ordering
// optimizer failed or timed out. Callers fall back to the local
// heuristic and log a degraded-mode event; it never fails a scan.
var ErrOptimizerUnavailable = errors.New("optimizer unavailable")

func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

func IsInvalidState(err error) bool {
	var v *InvalidStateError
	return errors.As(err, &v)
}
