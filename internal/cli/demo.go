package cli

import (
	"context"
	"errors"
	"time"

	"github.com/ChuLiYu/falcon-worker/internal/binder"
	"github.com/ChuLiYu/falcon-worker/internal/taskctx"
	"github.com/ChuLiYu/falcon-worker/internal/worker"
	"github.com/ChuLiYu/falcon-worker/pkg/types"
)

// DemoWorkers returns the workers started by `falcon-worker run`.
//
//	echo   returns its input unchanged
//	sleep  sleeps for input "seconds", or asks to be called back after
//	       "callbackAfter" seconds
//	fail   fails; input "terminal" makes the failure non-retryable
func DemoWorkers() []worker.Worker {
	return []worker.Worker{
		worker.MustNew("echo", echo),
		worker.MustNew("sleep", sleep,
			worker.WithInputs(binder.Optional("seconds"), binder.Optional("callbackAfter")),
			worker.WithThreadBudget(4),
			worker.WithBatchPoll(true),
		),
		worker.MustNew("fail", fail,
			worker.WithInputs(binder.Optional("terminal")),
			worker.WithPollInterval(time.Second),
		),
	}
}

func echo(in map[string]any) map[string]any { return in }

func sleep(ctx context.Context, seconds float64, callbackAfter int) (map[string]any, error) {
	tc, _ := taskctx.FromContext(ctx)
	if callbackAfter > 0 && tc != nil && tc.PollCount() <= 1 {
		tc.Log("not ready, checking again in %ds", callbackAfter)
		tc.SetCallbackAfter(time.Duration(callbackAfter) * time.Second)
		return nil, nil
	}

	d := time.Duration(seconds * float64(time.Second))
	select {
	case <-time.After(d):
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if tc != nil {
		tc.Log("slept %s", d)
	}
	return map[string]any{"slept": d.String()}, nil
}

func fail(terminal bool) error {
	if terminal {
		return types.Terminalf("demo failure, do not retry")
	}
	return errors.New("demo failure")
}
