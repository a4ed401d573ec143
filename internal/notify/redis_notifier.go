// Package notify publishes job progress to subscribers over Redis pub/sub.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/indexnow-engine/internal/job"
	"github.com/indexnow-engine/internal/logging"
)

const (
	// ChannelPrefix prefixes the per-owner progress channel
	ChannelPrefix = "jobs:"

	defaultPublishTimeout = 2 * time.Second
)

// Message is the payload published for every job update
type Message struct {
	Type  string `json:"type"`
	JobID string `json:"jobId"`
	job.JobUpdate
}

// RedisNotifier implements job.ProgressNotifier with PUBLISH
type RedisNotifier struct {
	redis   *redis.Client
	timeout time.Duration
	logger  *logging.Logger
}

// NewRedisNotifier creates a notifier; timeout bounds each publish (default 2s)
func NewRedisNotifier(client *redis.Client, timeout time.Duration, logger *logging.Logger) (*RedisNotifier, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if timeout <= 0 {
		timeout = defaultPublishTimeout
	}
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	return &RedisNotifier{
		redis:   client,
		timeout: timeout,
		logger:  logger.WithField("component", "notifier"),
	}, nil
}

// Channel returns the channel an owner's job updates are published on
func Channel(ownerID string) string {
	return ChannelPrefix + ownerID
}

// BroadcastJobUpdate publishes the update. Failures are logged and dropped.
func (n *RedisNotifier) BroadcastJobUpdate(ctx context.Context, ownerID, jobID string, update job.JobUpdate) {
	if update.Timestamp.IsZero() {
		update.Timestamp = time.Now().UTC()
	}

	payload, err := json.Marshal(Message{Type: "job_update", JobID: jobID, JobUpdate: update})
	if err != nil {
		n.logger.WithError(err).WithField("job_id", jobID).Warn("failed to encode job update")
		return
	}

	// Final updates are sent while the job context is being torn down.
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), n.timeout)
	defer cancel()

	if err := n.redis.Publish(pubCtx, Channel(ownerID), payload).Err(); err != nil {
		n.logger.WithError(err).WithFields(map[string]interface{}{
			"job_id":  jobID,
			"user_id": ownerID,
		}).Warn("failed to publish job update")
	}
}
