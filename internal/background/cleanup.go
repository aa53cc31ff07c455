package background

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/matburt/mail2feed/internal/db"
)

// CompactionResult summarizes one retention sweep.
type CompactionResult struct {
	FeedsProcessed int      `json:"feeds_processed"`
	ItemsRemoved   int      `json:"items_removed"`
	Errors         []string `json:"errors"`
}

// Compactor applies each feed's retention policy: expire by age, trim by
// count, and never cut below the keep floor. A sweep is idempotent: with no
// new items and no clock advance a second run removes nothing.
type Compactor struct {
	store *db.Store
	log   *zap.Logger
	now   func() time.Time
}

func NewCompactor(store *db.Store, log *zap.Logger) *Compactor {
	return &Compactor{store: store, log: log, now: time.Now}
}

// Run sweeps every feed. Per-feed failures are collected and do not stop the
// sweep.
func (c *Compactor) Run(ctx context.Context) *CompactionResult {
	result := &CompactionResult{Errors: []string{}}

	feeds, err := c.store.ListFeeds()
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("load feeds: %v", err))
		return result
	}

	for i := range feeds {
		if ctx.Err() != nil {
			result.Errors = append(result.Errors, ctx.Err().Error())
			return result
		}
		removed, err := c.compactFeed(&feeds[i])
		result.FeedsProcessed++
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("feed %s: %v", feeds[i].ID, err))
			continue
		}
		result.ItemsRemoved += removed
		if removed > 0 {
			c.log.Info("retention removed items",
				zap.String("feed", feeds[i].Title), zap.Int("removed", removed))
		}
	}
	return result
}

// compactFeed marks items expired by age and items beyond the count target,
// then rescues the newest marked items until the keep floor is met. The
// floor is max(maxItems, minItems): the age filter must not cut below what
// the count policy keeps, otherwise repeated sweeps would keep shrinking a
// feed of old items.
func (c *Compactor) compactFeed(f *db.Feed) (int, error) {
	items, err := c.store.ListItemsByFeedCreated(f.ID)
	if err != nil {
		return 0, err
	}
	if len(items) == 0 {
		return 0, nil
	}

	marked := make(map[string]bool)

	if maxAge := f.EffectiveMaxAgeDays(); maxAge > 0 {
		cutoff := c.now().AddDate(0, 0, -maxAge)
		for i := range items {
			created, err := time.Parse(time.RFC3339, items[i].CreatedAt)
			if err != nil {
				continue
			}
			if created.Before(cutoff) {
				marked[items[i].ID] = true
			}
		}
	}

	target := f.EffectiveMaxItems()
	if min := f.EffectiveMinItems(); min > target {
		target = min
	}
	// Items arrive newest first, so the overflow sits at the tail.
	if len(items) > f.EffectiveMaxItems() {
		for i := target; i < len(items); i++ {
			marked[items[i].ID] = true
		}
	}

	floor := target
	if floor > len(items) {
		floor = len(items)
	}
	if survivors := len(items) - len(marked); survivors < floor {
		rescue := floor - survivors
		for i := 0; i < len(items) && rescue > 0; i++ {
			if marked[items[i].ID] {
				delete(marked, items[i].ID)
				rescue--
			}
		}
	}

	if len(marked) == 0 {
		return 0, nil
	}
	// Delete oldest first.
	ids := make([]string, 0, len(marked))
	for i := len(items) - 1; i >= 0; i-- {
		if marked[items[i].ID] {
			ids = append(ids, items[i].ID)
		}
	}
	removed, err := c.store.DeleteItems(ids)
	return int(removed), err
}
