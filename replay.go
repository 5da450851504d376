package tokenledger

import (
	"context"
	"time"
)

// ReplayReport summarizes one replay pass.
type ReplayReport struct {
	Scanned   int `json:"scanned"`
	Processed int `json:"processed"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
}

// ReplayPending re-drives failed events that have retries left and processing
// events whose lease has expired, using their stored payloads.
func (e *Engine) ReplayPending(ctx context.Context) (ReplayReport, error) {
	var report ReplayReport

	staleBefore := e.now().Add(-e.leaseTimeout)
	records, err := e.store.ListReplayableEvents(ctx, staleBefore, e.replayMaxRetries, e.replayBatchSize)
	if err != nil {
		return report, err
	}

	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		report.Scanned++

		outcome, err := e.run(ctx, ProviderEvent{
			ID:        rec.EventID,
			Type:      rec.EventType,
			Payload:   rec.Payload,
			CreatedAt: rec.ProviderCreatedAt,
		})
		switch {
		case err != nil && outcome == OutcomeFailed:
			report.Failed++
		case outcome == OutcomeProcessed || outcome == OutcomeIgnored:
			report.Processed++
		default:
			report.Skipped++
		}
	}

	if report.Scanned > 0 {
		e.logger.Info("replayed pending events",
			"scanned", report.Scanned,
			"processed", report.Processed,
			"failed", report.Failed,
			"skipped", report.Skipped,
		)
	}

	return report, nil
}

// replayWorker periodically runs ReplayPending until Stop.
func (e *Engine) replayWorker(ctx context.Context) {
	defer e.wg.Done()

	ticker := time.NewTicker(e.replayInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopChan:
			return
		case <-ticker.C:
			if _, err := e.ReplayPending(ctx); err != nil {
				e.logger.Error("replay pass failed", "error", err)
			}
		}
	}
}
