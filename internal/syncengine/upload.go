package syncengine

import (
	"context"
	"fmt"
)

// uploadPipeline drains the queue in bounded batches. The snapshot is taken at
// cycle start, so events enqueued mid-cycle wait for the next one. A failed
// batch aborts the phase; its events stay queued and retry next cycle.
type uploadPipeline struct {
	queue     *EventQueue
	client    RemoteClient
	conflicts *ConflictLog
	publisher *StatusPublisher
	logger    Logger
}

func (p *uploadPipeline) run(ctx context.Context, batchSize int) error {
	if batchSize <= 0 {
		batchSize = DefaultConfig().BatchSize
	}
	events := p.queue.Snapshot()
	if len(events) == 0 {
		p.publisher.Emit(TopicSyncProgress, 50)
		return nil
	}

	totalBatches := (len(events) + batchSize - 1) / batchSize
	for batch := 0; batch < totalBatches; batch++ {
		start := batch * batchSize
		end := start + batchSize
		if end > len(events) {
			end = len(events)
		}
		result, err := p.client.UploadEvents(ctx, events[start:end])
		if err != nil {
			return fmt.Errorf("upload batch %d/%d: %w", batch+1, totalBatches, err)
		}
		if err := p.queue.Acknowledge(result.ProcessedIDs...); err != nil {
			return fmt.Errorf("acknowledge batch %d/%d: %w", batch+1, totalBatches, err)
		}
		for _, conflict := range result.Conflicts {
			if _, err := p.conflicts.Add(conflict); err != nil {
				p.logger.Printf("failed to record upload conflict for %s/%s: %v",
					conflict.EntityType, conflict.EntityID, err)
			}
		}
		p.publisher.Emit(TopicPendingChanges, p.queue.Size())
		p.publisher.Emit(TopicSyncProgress, (batch+1)*50/totalBatches)
	}
	return nil
}
