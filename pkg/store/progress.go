package store

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
)

// Progress is the durable status record of a background tunnel batch. Large
// batches are not awaited by the caller; this record is what "check progress
// later" queries.
type Progress struct {
	ID        string
	Total     int
	Completed int
	Failed    int
	Done      bool
	Message   string
}

// progressTTL keeps finished progress records queryable for a day.
const progressTTL = 24 * time.Hour

// CreateProgress creates a progress record for a background batch.
func (c *Client) CreateProgress(ctx context.Context, id string, total int) error {
	pipe := c.rdb.TxPipeline()
	pipe.HSet(ctx, progressKey(id), "total", total, "completed", 0, "failed", 0, "done", 0)
	pipe.Expire(ctx, progressKey(id), progressTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("creating progress record %s: %w", id, err)
	}
	return nil
}

// StepProgress adds completed/failed counts to a progress record.
func (c *Client) StepProgress(ctx context.Context, id string, completed, failed int) error {
	pipe := c.rdb.TxPipeline()
	if completed > 0 {
		pipe.HIncrBy(ctx, progressKey(id), "completed", int64(completed))
	}
	if failed > 0 {
		pipe.HIncrBy(ctx, progressKey(id), "failed", int64(failed))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("stepping progress record %s: %w", id, err)
	}
	return nil
}

// FinishProgress marks a progress record done with a final message.
func (c *Client) FinishProgress(ctx context.Context, id, message string) error {
	if err := c.rdb.HSet(ctx, progressKey(id), "done", 1, "message", message).Err(); err != nil {
		return fmt.Errorf("finishing progress record %s: %w", id, err)
	}
	return nil
}

// GetProgress loads a progress record, or nil if it does not exist.
func (c *Client) GetProgress(ctx context.Context, id string) (*Progress, error) {
	vals, err := c.rdb.HGetAll(ctx, progressKey(id)).Result()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("loading progress record %s: %w", id, err)
	}
	if len(vals) == 0 {
		return nil, nil
	}
	p := &Progress{ID: id, Message: vals["message"]}
	p.Total, _ = strconv.Atoi(vals["total"])
	p.Completed, _ = strconv.Atoi(vals["completed"])
	p.Failed, _ = strconv.Atoi(vals["failed"])
	p.Done = vals["done"] == "1"
	return p, nil
}
