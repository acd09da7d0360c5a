// Package fallback runs a primary strategy and, when it fails with an
// eligible error class, a secondary strategy from a clean state.
package fallback

import (
	"context"

	"go.uber.org/zap"

	"github.com/ytget/mediajobs/internal/model"
)

// Strategy is one backend able to execute a stage
type Strategy[T any] struct {
	Name string
	Run  func(ctx context.Context) (T, error)
	// Cleanup removes whatever a failed Run left behind. Optional.
	Cleanup func()
}

// Eligibility decides whether an error class allows switching to the secondary
type Eligibility func(model.ErrorClass) bool

// DefaultEligible allows fallback on Stalled and RemoteRejected
func DefaultEligible(c model.ErrorClass) bool {
	return c.FallbackEligible()
}

// Including extends DefaultEligible with extra classes
func Including(extra ...model.ErrorClass) Eligibility {
	return func(c model.ErrorClass) bool {
		if DefaultEligible(c) {
			return true
		}
		for _, e := range extra {
			if c == e {
				return true
			}
		}
		return false
	}
}

// Result reports the value and which strategy produced it
type Result[T any] struct {
	Value    T
	Used     model.Strategy
	Backend  string
	Attempts []model.BackendAttempt
}

// Execute runs primary and, if it fails with a class accepted by eligible,
// secondary exactly once. Cancelled is never eligible. Attempts are filled
// in on both success and failure.
func Execute[T any](ctx context.Context, log *zap.Logger, primary, secondary Strategy[T], eligible Eligibility) (Result[T], error) {
	if log == nil {
		log = zap.NewNop()
	}
	if eligible == nil {
		eligible = DefaultEligible
	}

	var res Result[T]

	value, err := primary.Run(ctx)
	if err == nil {
		res.Value = value
		res.Used = model.StrategyPrimary
		res.Backend = primary.Name
		res.Attempts = append(res.Attempts, model.BackendAttempt{Strategy: model.StrategyPrimary, Backend: primary.Name})
		return res, nil
	}

	class := model.ClassOf(err)
	res.Attempts = append(res.Attempts, model.BackendAttempt{
		Strategy: model.StrategyPrimary,
		Backend:  primary.Name,
		Class:    class,
		Err:      err,
	})
	if primary.Cleanup != nil {
		primary.Cleanup()
	}

	if class == model.ClassCancelled || secondary.Run == nil || !eligible(class) {
		return res, err
	}
	if ctx.Err() != nil {
		return res, model.Cancelled("fallback")
	}

	log.Warn("primary strategy failed, switching to secondary",
		zap.String("strategy", primary.Name),
		zap.String("secondary", secondary.Name),
		zap.String("class", class.String()),
		zap.Error(err))

	value, err = secondary.Run(ctx)
	if err != nil {
		res.Attempts = append(res.Attempts, model.BackendAttempt{
			Strategy: model.StrategySecondary,
			Backend:  secondary.Name,
			Class:    model.ClassOf(err),
			Err:      err,
		})
		if secondary.Cleanup != nil {
			secondary.Cleanup()
		}
		return res, err
	}

	res.Value = value
	res.Used = model.StrategySecondary
	res.Backend = secondary.Name
	res.Attempts = append(res.Attempts, model.BackendAttempt{Strategy: model.StrategySecondary, Backend: secondary.Name})
	return res, nil
}
