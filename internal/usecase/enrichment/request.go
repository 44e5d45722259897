package enrichment

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/connectica/enrichd/internal/admission"
	"github.com/connectica/enrichd/internal/dispatch"
	"github.com/connectica/enrichd/internal/domain/audit"
	"github.com/connectica/enrichd/internal/domain/entity"
	"github.com/connectica/enrichd/internal/eligibility"
	"github.com/connectica/enrichd/internal/telemetry"
)

// Response is what HTTP/CLI callers get back from a queue request.
type Response struct {
	AdmittedCount   int               `json:"admitted_count"`
	QueuedEntityIDs []int64           `json:"queued_entity_ids"`
	Outcome         admission.Outcome `json:"outcome"`
	Reason          string            `json:"reason,omitempty"`
	AvailableCount  int               `json:"available_count"`
}

// RequestUseCase orchestrates one enrichment request: resolve candidates,
// compute the eligible set, admit against quota, dispatch.
type RequestUseCase struct {
	engine     *eligibility.Engine
	controller *admission.Controller
	dispatcher *dispatch.Dispatcher
	candidates entity.Source
	logger     *zap.Logger
}

func NewRequestUseCase(
	engine *eligibility.Engine,
	controller *admission.Controller,
	dispatcher *dispatch.Dispatcher,
	candidates entity.Source,
	logger *zap.Logger,
) *RequestUseCase {
	return &RequestUseCase{
		engine:     engine,
		controller: controller,
		dispatcher: dispatcher,
		candidates: candidates,
		logger:     logger.Named("enrichment.request"),
	}
}

// Execute queues up to requested entities of the given kind for a service.
func (uc *RequestUseCase) Execute(ctx context.Context, serviceName string, kind entity.Kind, requested int) (Response, error) {
	population, err := uc.candidates.Candidates(ctx, serviceName, kind)
	if err != nil {
		return Response{}, fmt.Errorf("resolve candidates: %w", err)
	}

	eligible, err := uc.engine.Eligible(ctx, serviceName, population)
	if err != nil {
		return Response{}, fmt.Errorf("compute eligible set: %w", err)
	}

	decision, err := uc.controller.Admit(ctx, serviceName, requested, len(eligible))
	if err != nil {
		return Response{}, fmt.Errorf("admit batch: %w", err)
	}
	telemetry.AdmissionDecisions.WithLabelValues(serviceName, string(decision.Outcome)).Inc()

	if decision.Outcome == admission.OutcomeRejected {
		uc.logger.Info("enrichment_rejected",
			zap.String("service", serviceName),
			zap.String("reason", decision.Reason),
			zap.Int("requested", requested),
			zap.Int("available", len(eligible)),
		)
		return Response{
			Outcome:        decision.Outcome,
			Reason:         decision.Reason,
			AvailableCount: len(eligible),
		}, nil
	}

	batch := eligible
	if decision.Allowed < len(batch) {
		batch = batch[:decision.Allowed]
	}

	result, err := uc.dispatcher.Dispatch(ctx, serviceName, audit.OpBatchUpdate, batch)
	if err != nil {
		return Response{}, fmt.Errorf("dispatch batch: %w", err)
	}

	uc.logger.Info("enrichment_queued",
		zap.String("service", serviceName),
		zap.Int("admitted", decision.Allowed),
		zap.Int("queued", len(result.QueuedEntityIDs)),
		zap.Int("launch_failures", result.FailedCount),
	)

	return Response{
		AdmittedCount:   decision.Allowed,
		QueuedEntityIDs: result.QueuedEntityIDs,
		Outcome:         decision.Outcome,
		Reason:          decision.Reason,
		AvailableCount:  len(eligible),
	}, nil
}
