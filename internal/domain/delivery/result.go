package delivery

import "fmt"

type Outcome int

const (
	Success Outcome = iota
	TransientError
	PermanentError
)

func (o Outcome) String() string {
	switch o {
	case Success:
		return "success"
	case TransientError:
		return "transient_error"
	case PermanentError:
		return "permanent_error"
	}
	return fmt.Sprintf("outcome(%d)", int(o))
}

// Result is what a publish attempt returns instead of raising, so callers
// decide explicitly whether to swallow or propagate a failure.
type Result struct {
	Outcome Outcome
	Err     error
}

func Delivered() Result {
	return Result{Outcome: Success}
}

func Transient(err error) Result {
	return Result{Outcome: TransientError, Err: err}
}

func Permanent(err error) Result {
	return Result{Outcome: PermanentError, Err: err}
}

func (r Result) OK() bool {
	return r.Outcome == Success
}

// Error returns nil for a successful result.
func (r Result) Error() error {
	if r.OK() {
		return nil
	}
	if r.Err == nil {
		return fmt.Errorf("publish failed: %s", r.Outcome)
	}
	return fmt.Errorf("publish failed (%s): %w", r.Outcome, r.Err)
}
