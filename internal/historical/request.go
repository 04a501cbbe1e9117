package historical

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

const (
	ModeCharges = "charges"
	ModeDates   = "dates"
	ModeRefunds = "refunds"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// IDRangeRequest selects resources by primary id. A zero MaxID means the
// current highest id in storage.
type IDRangeRequest struct {
	StartID       int64         `validate:"gte=0"`
	MaxID         int64         `validate:"gte=0"`
	DoNotRetryFor time.Duration `validate:"gte=0"`
	Force         bool
}

func (r IDRangeRequest) Validate() error {
	if err := validate.Struct(r); err != nil {
		return fmt.Errorf("invalid id range: %w", err)
	}
	if r.MaxID != 0 && r.MaxID < r.StartID {
		return fmt.Errorf("invalid id range: max id %d is below start id %d", r.MaxID, r.StartID)
	}
	return nil
}

// DateRangeRequest selects charges with a status change in [Start, End).
type DateRangeRequest struct {
	Start         time.Time     `validate:"required"`
	End           time.Time     `validate:"required,gtfield=Start"`
	DoNotRetryFor time.Duration `validate:"gte=0"`
	Force         bool
}

func (r DateRangeRequest) Validate() error {
	if err := validate.Struct(r); err != nil {
		return fmt.Errorf("invalid date range: %w", err)
	}
	return nil
}
