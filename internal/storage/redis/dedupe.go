package redis

import (
	"context"
	"fmt"
	"time"
)

// Deduper marks job ids as seen so a redelivered job is processed once.
type Deduper struct {
	client *Client
	ttl    time.Duration
}

func NewDeduper(client *Client, ttl time.Duration) *Deduper {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Deduper{client: client, ttl: ttl}
}

func jobKey(jobID string) string {
	return "job:" + jobID
}

// Claim reports true when the caller is the first to see jobID.
func (d *Deduper) Claim(ctx context.Context, jobID string) (bool, error) {
	ok, err := d.client.SetNX(ctx, jobKey(jobID), 1, d.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to claim job %s: %w", jobID, err)
	}
	return ok, nil
}

// Release forgets a claim so a retried delivery is processed again.
func (d *Deduper) Release(ctx context.Context, jobID string) error {
	if err := d.client.Del(ctx, jobKey(jobID)).Err(); err != nil {
		return fmt.Errorf("failed to release job %s: %w", jobID, err)
	}
	return nil
}
