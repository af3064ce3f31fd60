package dns

import (
	"time"

	"phishwall/pkg/storage"
)

// serveDNSOutcome captures the mutable fields that downstream helpers update
// while Handle orchestrates the request lifecycle.
type serveDNSOutcome struct {
	outcome          storage.Outcome
	reason           string
	upstream         string
	responseCode     int
	cached           bool
	upstreamDuration time.Duration
}
