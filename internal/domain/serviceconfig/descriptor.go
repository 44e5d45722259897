package serviceconfig

import (
	"errors"
	"time"
)

var (
	// ErrUnknownService is returned when no descriptor exists for a name.
	ErrUnknownService = errors.New("unknown service")
)

// Descriptor is the typed per-service configuration, loaded from the config
// store at startup and refreshed periodically. Read-only to the core.
type Descriptor struct {
	ServiceName     string
	Active          bool
	RefreshInterval time.Duration
	DependsOn       []string
	BatchSizeLimit  int

	// FailureBackoff delays re-eligibility after a failed attempt. Zero
	// keeps the historical retry-fast behavior.
	FailureBackoff time.Duration

	RetryAttempts int
	Settings      map[string]string

	// Vendor quota. Only consulted when QuotaGoverned is true.
	QuotaGoverned bool
	CallsPerUnit  int
	DailyQuota    int64
	SafetyBuffer  int64
}

// DefaultBatchSizeLimit caps admission requests when a descriptor does not
// set its own limit.
const DefaultBatchSizeLimit = 1000

// EffectiveBatchLimit returns the descriptor's cap or the default.
func (d Descriptor) EffectiveBatchLimit() int {
	if d.BatchSizeLimit > 0 {
		return d.BatchSizeLimit
	}
	return DefaultBatchSizeLimit
}

// EffectiveCallsPerUnit returns the per-entity vendor call multiplier, at
// least 1 for quota-governed services.
func (d Descriptor) EffectiveCallsPerUnit() int {
	if d.CallsPerUnit > 0 {
		return d.CallsPerUnit
	}
	return 1
}
