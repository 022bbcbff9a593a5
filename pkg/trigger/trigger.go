// Package trigger starts runs from the outside world: cron schedules,
// watched folders, and inbound webhooks. Triggers only enqueue; plan
// loading, validation, and policy all happen downstream in the executor
// pipeline.
package trigger

import "context"

// Enqueuer is the downstream the triggers hand work to.
type Enqueuer interface {
	// EnqueueTemplate queues one run of the template with the trigger's
	// variables merged in.
	EnqueueTemplate(ctx context.Context, template, queue string, priority int, vars map[string]any) error
}

// EnqueueFunc adapts a function to Enqueuer.
type EnqueueFunc func(ctx context.Context, template, queue string, priority int, vars map[string]any) error

func (f EnqueueFunc) EnqueueTemplate(ctx context.Context, template, queue string, priority int, vars map[string]any) error {
	return f(ctx, template, queue, priority, vars)
}
