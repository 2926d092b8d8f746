package node

import (
	"context"
	"time"

	"idealsize/logging"
	"idealsize/sizing"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// HistoryEntry describes a finished invocation.
type HistoryEntry struct {
	InvocationID string
	NodeType     string
	NodeVersion  string
	TargetWidth  int
	TargetHeight int
	ModelKey     string
	Family       sizing.ModelFamily
	Multiplier   float64
	Output       *IdealSizeOutput
	Err          error
	StartedAt    time.Time
	Duration     time.Duration
}

// HistoryRecorder persists finished invocations.
type HistoryRecorder interface {
	RecordInvocation(ctx context.Context, entry HistoryEntry) error
}

// InvocationContext carries the services available to a single invocation.
// Every field except ID is optional.
type InvocationContext struct {
	ID         string
	Logger     *logging.Logger
	Calculator *sizing.Calculator
	Models     ModelResolver
	History    HistoryRecorder
}

// NewInvocationContext creates a context with a fresh invocation id.
func NewInvocationContext(logger *logging.Logger, calc *sizing.Calculator, models ModelResolver, history HistoryRecorder) *InvocationContext {
	id := uuid.NewString()
	if logger != nil {
		logger = logger.With(zap.String("invocation_id", id))
	}
	return &InvocationContext{
		ID:         id,
		Logger:     logger,
		Calculator: calc,
		Models:     models,
		History:    history,
	}
}

func (ic *InvocationContext) calculator() *sizing.Calculator {
	if ic == nil || ic.Calculator == nil {
		return sizing.NewCalculator(nil)
	}
	return ic.Calculator
}

// record hands the entry to the history recorder. Failures are logged only.
func (ic *InvocationContext) record(ctx context.Context, entry HistoryEntry) {
	if ic == nil || ic.History == nil {
		return
	}
	entry.InvocationID = ic.ID
	if err := ic.History.RecordInvocation(ctx, entry); err != nil {
		ic.logger().Warn("failed to record invocation", zap.Error(err))
	}
}

// MultiRecorder fans an entry out to several recorders. Nil recorders are
// skipped and every recorder is called even if an earlier one fails.
type MultiRecorder []HistoryRecorder

// RecordInvocation implements HistoryRecorder.
func (m MultiRecorder) RecordInvocation(ctx context.Context, entry HistoryEntry) error {
	var err error
	for _, r := range m {
		if r == nil {
			continue
		}
		err = multierr.Append(err, r.RecordInvocation(ctx, entry))
	}
	return err
}
