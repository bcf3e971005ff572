package exchange

import (
	"errors"
	"fmt"
)

// ErrLifecycle is wrapped by every error returned for out-of-order lifecycle calls.
var ErrLifecycle = errors.New("connector lifecycle violation")

var (
	// ErrNotConfigured is returned by Start before a successful Configure.
	ErrNotConfigured = fmt.Errorf("%w: connector is not configured", ErrLifecycle)
	// ErrShutDown is returned by any mutating call after Shutdown.
	ErrShutDown = fmt.Errorf("%w: connector is shut down", ErrLifecycle)
	// ErrNotRunning is returned when a bid request arrives before Start.
	ErrNotRunning = fmt.Errorf("%w: connector is not running", ErrLifecycle)
)

var (
	// ErrInvalidConfig is wrapped by every Configure failure.
	ErrInvalidConfig = errors.New("invalid exchange configuration")
	// ErrInvalidProbability is returned for accept probabilities outside [0, 1].
	ErrInvalidProbability = errors.New("accept probability must be within [0, 1]")
	// ErrUnknownAuction is returned when finishing an auction the connector is not tracking.
	ErrUnknownAuction = errors.New("unknown auction")
)

// ErrRejected is wrapped by the admission rejections below. Rejected requests
// are dropped before any filtering work.
var ErrRejected = errors.New("bid request rejected")

var (
	ErrDisabled   = fmt.Errorf("%w: connector enable deadline has passed", ErrRejected)
	ErrSampledOut = fmt.Errorf("%w: sampled out", ErrRejected)
	ErrThrottled  = fmt.Errorf("%w: throttled", ErrRejected)
)

var (
	ErrUnknownExchangeType   = errors.New("unknown exchange type")
	ErrDuplicateExchangeType = errors.New("exchange type already registered")
)
