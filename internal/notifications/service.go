// Package notifications delivers metering events to operator channels: a
// signed generic webhook and Slack. Failed deliveries are retried with
// exponential backoff by a small worker pool; redis dedups by event id.
package notifications

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/crosslogic/usage-meter/pkg/cache"
	"github.com/crosslogic/usage-meter/pkg/events"
)

const dedupKeyPrefix = "notification:processed:"

// Sender delivers one event to one channel.
type Sender interface {
	Send(ctx context.Context, event events.Event) error
}

// Service is the main notification service that orchestrates delivery
type Service struct {
	config *Config
	cache  *cache.Cache
	logger *zap.Logger
	bus    *events.Bus

	senders map[string]Sender

	retryQueue chan *DeliveryTask
	stopChan   chan struct{}
	stopOnce   sync.Once
	wg         sync.WaitGroup

	metrics *Metrics
}

// DeliveryTask represents a notification delivery task
type DeliveryTask struct {
	ID          string
	Event       events.Event
	Channel     string
	RetryCount  int
	MaxRetries  int
	CreatedAt   time.Time
	LastAttempt time.Time
}

// NewService creates a notification service. A nil cache disables dedup.
func NewService(config *Config, c *cache.Cache, bus *events.Bus, logger *zap.Logger) *Service {
	s := &Service{
		config:  config,
		cache:   c,
		logger:  logger,
		bus:     bus,
		senders: map[string]Sender{},
	}
	if !config.Enabled {
		logger.Info("notification service is disabled")
		return s
	}

	s.retryQueue = make(chan *DeliveryTask, config.RetryQueueSize)
	s.stopChan = make(chan struct{})
	s.metrics = NewMetrics()

	if config.SlackEnabled {
		s.senders[ChannelSlack] = NewSlackAdapter(config.SlackWebhookURL, config.SlackChannel, logger)
		logger.Info("slack notifications enabled", zap.String("webhook_url", maskURL(config.SlackWebhookURL)))
	}
	if config.WebhookEnabled {
		s.senders[ChannelWebhook] = NewWebhookAdapter(
			config.WebhookURL,
			config.WebhookSecret,
			config.WebhookMethod,
			config.WebhookHeaders,
			logger,
		)
		logger.Info("webhook notifications enabled", zap.String("url", maskURL(config.WebhookURL)))
	}

	logger.Info("notification service initialized",
		zap.Bool("slack", config.SlackEnabled),
		zap.Bool("webhook", config.WebhookEnabled),
		zap.Bool("dedup", c != nil),
		zap.Int("max_retries", config.MaxRetries),
		zap.Int("retry_workers", config.RetryWorkers),
	)
	return s
}

// SetSender installs or replaces the sender for a channel.
func (s *Service) SetSender(channel string, sender Sender) {
	s.senders[channel] = sender
}

// Start subscribes to every metering event and starts the retry workers.
func (s *Service) Start(ctx context.Context) {
	if !s.config.Enabled {
		s.logger.Info("notification service is disabled, skipping start")
		return
	}

	types := make([]string, 0, len(events.AllEventTypes))
	for _, t := range events.AllEventTypes {
		s.bus.Subscribe(t, s.handleEvent)
		types = append(types, string(t))
	}

	for i := 0; i < s.config.RetryWorkers; i++ {
		s.wg.Add(1)
		go s.retryWorker(ctx, i)
	}

	s.logger.Info("notification service started",
		zap.Strings("events", types),
		zap.Int("retry_workers", s.config.RetryWorkers),
	)
}

// Stop signals the retry workers and waits for them or for ctx.
func (s *Service) Stop(ctx context.Context) error {
	if !s.config.Enabled {
		return nil
	}
	s.logger.Info("stopping notification service")
	s.stopOnce.Do(func() { close(s.stopChan) })

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.logger.Info("notification service stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// handleEvent routes one event to its channels. Delivery failures are
// queued for retry and never returned to the bus.
func (s *Service) handleEvent(ctx context.Context, event events.Event) error {
	s.logger.Debug("handling event",
		zap.String("event_id", event.ID),
		zap.String("event_type", string(event.Type)),
		zap.String("account_id", event.AccountID),
	)

	if !s.claim(ctx, event.ID) {
		s.logger.Debug("duplicate event, skipping", zap.String("event_id", event.ID))
		return nil
	}

	channels := s.config.GetChannelsForEvent(string(event.Type))
	if len(channels) == 0 {
		s.logger.Debug("no channels configured for event type",
			zap.String("event_type", string(event.Type)),
		)
		return nil
	}

	now := time.Now()
	for _, channel := range channels {
		task := &DeliveryTask{
			ID:          fmt.Sprintf("%s-%s", event.ID, channel),
			Event:       event,
			Channel:     channel,
			MaxRetries:  s.config.MaxRetries,
			CreatedAt:   now,
			LastAttempt: now,
		}
		if err := s.deliver(ctx, task); err != nil {
			s.enqueueRetry(task)
		}
	}
	return nil
}

// deliver delivers a notification to the task's channel
func (s *Service) deliver(ctx context.Context, task *DeliveryTask) error {
	startTime := time.Now()

	ctx, cancel := context.WithTimeout(ctx, s.config.DeliveryTimeout)
	defer cancel()

	var err error
	if sender, ok := s.senders[task.Channel]; ok {
		err = sender.Send(ctx, task.Event)
	} else {
		err = fmt.Errorf("unknown channel: %s", task.Channel)
	}

	duration := time.Since(startTime)
	eventType := string(task.Event.Type)
	if err != nil {
		s.metrics.RecordDelivery(task.Channel, eventType, "failed", duration)
		s.logger.Warn("notification delivery failed",
			zap.String("event_id", task.Event.ID),
			zap.String("channel", task.Channel),
			zap.Int("retry_count", task.RetryCount),
			zap.Duration("duration", duration),
			zap.Error(err),
		)
		return err
	}

	s.metrics.RecordDelivery(task.Channel, eventType, "success", duration)
	s.logger.Info("notification delivered",
		zap.String("event_id", task.Event.ID),
		zap.String("event_type", eventType),
		zap.String("channel", task.Channel),
		zap.Duration("duration", duration),
	)
	return nil
}

// enqueueRetry adds a failed delivery to the retry queue
func (s *Service) enqueueRetry(task *DeliveryTask) {
	if task.RetryCount >= task.MaxRetries {
		s.metrics.RecordDrop(task.Channel, "max_retries")
		s.logger.Error("max retries exceeded, giving up",
			zap.String("task_id", task.ID),
			zap.String("channel", task.Channel),
			zap.Int("retry_count", task.RetryCount),
		)
		return
	}
	task.RetryCount++
	task.LastAttempt = time.Now()

	select {
	case s.retryQueue <- task:
		s.metrics.RecordRetry(task.Channel, task.RetryCount)
		s.metrics.SetQueueDepth(len(s.retryQueue))
	default:
		s.metrics.RecordDrop(task.Channel, "queue_full")
		s.logger.Error("retry queue full, dropping task",
			zap.String("task_id", task.ID),
			zap.String("channel", task.Channel),
		)
	}
}

// retryWorker processes the retry queue
func (s *Service) retryWorker(ctx context.Context, workerID int) {
	defer s.wg.Done()
	s.logger.Debug("retry worker started", zap.Int("worker_id", workerID))

	for {
		select {
		case <-s.stopChan:
			return
		case <-ctx.Done():
			return
		case task := <-s.retryQueue:
			s.metrics.SetQueueDepth(len(s.retryQueue))

			timer := time.NewTimer(s.calculateBackoff(task.RetryCount))
			select {
			case <-s.stopChan:
				timer.Stop()
				return
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}

			if err := s.deliver(ctx, task); err != nil {
				s.enqueueRetry(task)
			}
		}
	}
}

// calculateBackoff returns base * 2^(retryCount-1), capped at RetryBackoffMax
func (s *Service) calculateBackoff(retryCount int) time.Duration {
	maxBackoff := s.config.RetryBackoffMax
	if maxBackoff <= 0 {
		maxBackoff = 5 * time.Minute
	}
	if retryCount < 1 {
		retryCount = 1
	}
	if retryCount > 20 {
		return maxBackoff
	}
	backoff := s.config.RetryBackoffBase * time.Duration(1<<uint(retryCount-1))
	if backoff > maxBackoff {
		backoff = maxBackoff
	}
	return backoff
}

// claim marks eventID as handled and reports whether this call was first.
// Without a cache, or when redis fails, every event is delivered.
func (s *Service) claim(ctx context.Context, eventID string) bool {
	if s.cache == nil {
		return true
	}
	ok, err := s.cache.SetNX(ctx, dedupKeyPrefix+eventID, "1", s.config.DedupTTL)
	if err != nil {
		s.logger.Warn("failed to check duplicate", zap.String("event_id", eventID), zap.Error(err))
		return true
	}
	return ok
}

// maskURL masks sensitive parts of a URL for logging
func maskURL(url string) string {
	if len(url) < 20 {
		return "***"
	}
	return url[:20] + "***"
}
