package handlers

import (
	"context"
	"time"

	"github.com/rendis/blockflow/internal/expressions"
	"github.com/rendis/blockflow/pkg/schema"
	"github.com/robfig/cron/v3"
)

// starterHandler emits the run's triggering input. A "schedule" input is
// parsed as a standard cron expression and its next fire time is reported in
// the normalized metadata; scheduling itself belongs to the host.
type starterHandler struct {
	now func() time.Time
}

func (h *starterHandler) Execute(_ context.Context, req *Request) (*schema.ExecutionResult, error) {
	var input any
	if req.Scope != nil {
		input = expressions.DeepCopy(req.Scope.Input)
	}

	res := Success(input)
	meta := map[string]any{}

	if spec := req.StringInput("schedule", ""); spec != "" {
		sched, err := cron.ParseStandard(spec)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "invalid cron schedule %q: %v", spec, err).
				WithBlock(req.BlockID()).
				WithCause(err)
		}
		now := time.Now
		if h.now != nil {
			now = h.now
		}
		meta["schedule"] = spec
		meta["next_run_at"] = sched.Next(now()).UTC().Format(time.RFC3339)
	}

	res.NormalizedOutput = &schema.NormalizedBlockOutput{Data: input, Metadata: meta}
	return res, nil
}
