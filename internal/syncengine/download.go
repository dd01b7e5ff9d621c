package syncengine

import (
	"context"
	"fmt"
)

// downloadPipeline pulls remote changes since the cursor, one page at a time.
// The cursor advances only after a page applied cleanly; a page containing a
// conflicting event still applies its direct events (re-apply is idempotent)
// but leaves the cursor unmoved so a later cycle re-downloads and
// re-classifies from the same position.
type downloadPipeline struct {
	client    RemoteClient
	detector  *ConflictDetector
	conflicts *ConflictLog
	applier   EntityApplier
	cursor    *cursorStore
	publisher *StatusPublisher
	clock     Clock
	logger    Logger
}

func (p *downloadPipeline) run(ctx context.Context, batchSize int) error {
	if batchSize <= 0 {
		batchSize = DefaultConfig().BatchSize
	}
	current := p.cursor.Get()
	pages := 0
	for {
		page, err := p.client.DownloadEvents(ctx, DownloadRequest{
			Since:  current.Since,
			Cursor: current.Token,
			Limit:  batchSize,
		})
		if err != nil {
			return fmt.Errorf("download page: %w", err)
		}

		conflicted := false
		lastApplied := current.Since
		for _, event := range page.Events {
			if p.detector.Classify(event) {
				conflict := p.detector.Describe(event, p.applier, p.clock)
				if _, err := p.conflicts.Add(conflict); err != nil {
					return fmt.Errorf("record conflict for %s/%s: %w", event.EntityType, event.EntityID, err)
				}
				conflicted = true
				continue
			}
			if err := p.applier.Apply(ctx, event); err != nil {
				return fmt.Errorf("apply remote event %s: %w", event.ID, err)
			}
			p.publisher.Emit(TopicEntityApplied, event)
			if event.Timestamp.After(lastApplied) {
				lastApplied = event.Timestamp
			}
		}

		if conflicted {
			return nil
		}

		next := Cursor{Token: page.NextCursor, Since: lastApplied}
		if err := p.cursor.Set(next); err != nil {
			return fmt.Errorf("advance cursor: %w", err)
		}
		current = next
		pages++
		progress := 50 + pages*15
		if progress > 95 {
			progress = 95
		}
		p.publisher.Emit(TopicSyncProgress, progress)

		if !page.HasMore || page.NextCursor == "" {
			return nil
		}
	}
}
