package graph

import (
	"context"
	"errors"
	"fmt"
)

// attempt runs the step function once under the step's timeout.
//
// A panic in the step is recovered into an error. A result carrying Err is
// treated like a returned error. When the attempt's deadline expired the
// error is ErrStepTimeout, whatever the step returned.
func (s *Step) attempt(ctx context.Context, sc StepContext) (res StepResult, err error) {
	runCtx := ctx
	if s.policy.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, s.policy.Timeout)
		defer cancel()
	}

	defer func() {
		if v := recover(); v != nil {
			res, err = StepResult{}, panicError(v)
		}
		if s.policy.Timeout > 0 && errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			res, err = StepResult{}, fmt.Errorf("%w after %v", ErrStepTimeout, s.policy.Timeout)
		}
	}()

	res, err = s.fn(runCtx, sc)
	if err == nil && res.Err != nil {
		err = res.Err
	}
	return res, err
}
