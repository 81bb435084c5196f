package command

import (
	"context"
	"errors"
	"time"

	"gpu-claim-bot/allocator"
	"gpu-claim-bot/blockkit"
	"gpu-claim-bot/metrics"
	"gpu-claim-bot/telemetry"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
	"github.com/slack-go/slack"
)

const (
	claimUsage   = "Please use: `/gpu claim <number> <purpose> [duration]`\n\n*Example:* `/gpu claim 0 training model 2h`"
	releaseUsage = "Please use: `/gpu release <number>`\n\n*Example:* `/gpu release 0`"
)

// Engine is the allocation state machine the router drives.
type Engine interface {
	Claim(ctx context.Context, gpuID string, caller allocator.Caller, purpose, durationToken string) (allocator.Claim, error)
	Release(ctx context.Context, gpuID string, caller allocator.Caller) (allocator.ReleaseResult, error)
	Status(ctx context.Context) ([]allocator.GPUStatus, error)
}

// Router dispatches commands to the engine and telemetry collector and
// renders the outcome as Slack messages.
type Router struct {
	engine    Engine
	collector telemetry.Collector
	loc       *time.Location
	clock     clockwork.Clock
}

func NewRouter(e Engine, c telemetry.Collector, loc *time.Location, clock clockwork.Clock) *Router {
	if loc == nil {
		loc = time.UTC
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Router{engine: e, collector: c, loc: loc, clock: clock}
}

// Dispatch runs cmd and returns the reply. The error is the failure the reply
// describes, nil on success; replies for errors are ephemeral.
func (r *Router) Dispatch(ctx context.Context, cmd Command) (slack.Msg, error) {
	start := time.Now()
	log.Info().Str("action", cmd.Action.String()).Strs("args", cmd.Args).Str("userId", cmd.UserID).Str("userName", cmd.UserName).Msg("router: handling command")

	var (
		blocks []slack.Block
		err    error
	)
	switch cmd.Action {
	case ActionStatus:
		blocks, err = r.status(ctx)
	case ActionClaim:
		blocks, err = r.claim(ctx, cmd)
	case ActionRelease:
		blocks, err = r.release(ctx, cmd)
	case ActionRealtime:
		blocks, err = r.realtime(ctx)
	case ActionHelp:
		blocks = helpBlocks()
	default:
		cmd.Action = ActionHelp
		blocks = helpBlocks()
	}

	result := resultLabel(err)
	metrics.CommandsTotal.WithLabelValues(cmd.Action.String(), result).Inc()
	metrics.CommandDuration.WithLabelValues(cmd.Action.String()).Observe(time.Since(start).Seconds())

	if err != nil {
		ev := log.Info()
		if result == "store" || result == "telemetry" {
			ev = log.Error()
		}
		ev.Err(err).Str("action", cmd.Action.String()).Str("userId", cmd.UserID).Msg("router: command failed")
		return blockkit.Message(blockkit.ResponseEphemeral, errorBlocks(err)), err
	}
	log.Debug().Str("action", cmd.Action.String()).Int("blocks", len(blocks)).Msg("router: returning blocks")
	return blockkit.Message(blockkit.ResponseInChannel, blocks), nil
}

func (r *Router) claim(ctx context.Context, cmd Command) ([]slack.Block, error) {
	if len(cmd.Args) < 2 {
		return nil, &FormatError{Action: ActionClaim, Usage: claimUsage}
	}
	purpose, token := allocator.SplitPurpose(cmd.Args[1:])
	c, err := r.engine.Claim(ctx, cmd.Args[0], allocator.Caller{ID: cmd.UserID, Name: cmd.UserName}, purpose, token)
	if err != nil {
		return nil, err
	}
	return claimBlocks(cmd.Args[0], &c, r.loc), nil
}

func (r *Router) release(ctx context.Context, cmd Command) ([]slack.Block, error) {
	if len(cmd.Args) < 1 {
		return nil, &FormatError{Action: ActionRelease, Usage: releaseUsage}
	}
	res, err := r.engine.Release(ctx, cmd.Args[0], allocator.Caller{ID: cmd.UserID, Name: cmd.UserName})
	if err != nil {
		return nil, err
	}
	return releaseBlocks(res, cmd.UserName), nil
}

func (r *Router) status(ctx context.Context) ([]slack.Block, error) {
	rows, err := r.engine.Status(ctx)
	if err != nil {
		return nil, err
	}
	return statusBlocks(rows, r.clock.Now(), r.loc), nil
}

func (r *Router) realtime(ctx context.Context) ([]slack.Block, error) {
	if r.collector == nil {
		return nil, &TelemetryError{Err: telemetry.ErrToolNotFound}
	}
	snap, err := telemetry.Collect(ctx, r.collector)
	if err != nil {
		return nil, &TelemetryError{Err: err}
	}
	return realtimeBlocks(snap, r.clock.Now(), r.loc), nil
}

// TelemetryError wraps a failed realtime query.
type TelemetryError struct {
	Err error
}

func (e *TelemetryError) Error() string { return "realtime query failed: " + e.Err.Error() }

func (e *TelemetryError) Unwrap() error { return e.Err }

func resultLabel(err error) string {
	var (
		formatErr     *FormatError
		notFoundErr   *allocator.NotFoundError
		conflictErr   *allocator.ConflictError
		permissionErr *allocator.PermissionError
		telemetryErr  *TelemetryError
	)
	switch {
	case err == nil:
		return "success"
	case errors.As(err, &formatErr):
		return "format"
	case errors.As(err, &notFoundErr):
		return "not_found"
	case errors.As(err, &conflictErr):
		return "conflict"
	case errors.As(err, &permissionErr):
		return "denied"
	case errors.As(err, &telemetryErr):
		return "telemetry"
	}
	return "store"
}

// Retryable reports whether err means the command never ran because the
// status document was locked, so running it again later may succeed.
func Retryable(err error) bool {
	return errors.Is(err, allocator.ErrLockTimeout)
}
