package notifications

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/albapepper/agencyops/internal/metrics"
)

// DispatcherConfig bounds one dispatch cycle.
type DispatcherConfig struct {
	BatchSize        int
	SendTimeout      time.Duration
	MaxMessageLength int
}

func (c DispatcherConfig) withDefaults() DispatcherConfig {
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = DefaultSendTimeout
	}
	if c.MaxMessageLength == 0 {
		c.MaxMessageLength = DefaultMaxMessageLength
	}
	return c
}

// lease covers the worst case of every send in a batch timing out.
func (c DispatcherConfig) lease() time.Duration {
	return time.Duration(c.BatchSize)*c.SendTimeout + time.Minute
}

// BatchResult summarises one dispatch cycle.
type BatchResult struct {
	Claimed    int `json:"claimed"`
	Sent       int `json:"sent"`
	Retrying   int `json:"retrying"`
	Failed     int `json:"failed"`
	Cancelled  int `json:"cancelled"`
	Deferred   int `json:"deferred"`
	Superseded int `json:"superseded"`
}

func (r BatchResult) Empty() bool { return r.Claimed == 0 }

// Dispatcher claims due records, gates them, and sends them through the
// channel. Cycles are serialised.
type Dispatcher struct {
	queue   Queue
	log     DeliveryLog
	prefs   PreferenceStore
	channel MessageChannel
	policy  RetryPolicy
	cfg     DispatcherConfig
	logger  *slog.Logger
	now     func() time.Time

	mu sync.Mutex
}

func NewDispatcher(queue Queue, log DeliveryLog, prefs PreferenceStore, channel MessageChannel, policy RetryPolicy, cfg DispatcherConfig, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		queue:   queue,
		log:     log,
		prefs:   prefs,
		channel: channel,
		policy:  policy,
		cfg:     cfg.withDefaults(),
		logger:  logger,
		now:     time.Now,
	}
}

// SetClock replaces the time source. Used by tests.
func (d *Dispatcher) SetClock(now func() time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.now = now
}

// RunOnce runs a single dispatch cycle. A cycle that has started runs to
// completion even if ctx is cancelled meanwhile; each send is still bounded
// by the send timeout.
func (d *Dispatcher) RunOnce(ctx context.Context) (BatchResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var res BatchResult
	if err := ctx.Err(); err != nil {
		return res, err
	}
	ctx = context.WithoutCancel(ctx)

	now := d.now()
	claimed, err := d.queue.ClaimDue(ctx, now, d.cfg.BatchSize, d.cfg.lease())
	if err != nil {
		return res, fmt.Errorf("claim due notifications: %w", err)
	}
	res.Claimed = len(claimed)
	if len(claimed) == 0 {
		return res, nil
	}
	slices.SortFunc(claimed, Compare)

	settings := make(map[int64]*Settings)
	var eligible []*Record
	for _, rec := range claimed {
		s, ok := settings[rec.EmployeeID]
		if !ok {
			s, err = d.prefs.Get(ctx, rec.EmployeeID)
			if err != nil {
				// Leave it leased; it comes back when the lease runs out.
				d.logger.Warn("Preference lookup failed", "notification_id", rec.ID, "employee_id", rec.EmployeeID, "error", err)
				continue
			}
			settings[rec.EmployeeID] = s
		}

		if !s.CategoryEnabled(rec.Category) {
			reason := "recipient disabled"
			if s != nil && s.Enabled {
				reason = "category disabled"
			}
			d.cancel(ctx, rec, reason, &res)
			continue
		}

		dec := Gate(rec, s, now)
		if !dec.Eligible {
			if err := d.queue.Reschedule(ctx, rec.ID, dec.NextAt); err != nil {
				d.logger.Warn("Reschedule failed", "notification_id", rec.ID, "error", err)
				continue
			}
			res.Deferred++
			d.logger.Debug("Notification deferred", "notification_id", rec.ID, "next_at", dec.NextAt, "reason", dec.Reason)
			continue
		}
		eligible = append(eligible, rec)
	}

	for _, rec := range d.collapseGroups(ctx, eligible, &res) {
		d.dispatchOne(ctx, rec, &res)
	}
	return res, nil
}

// collapseGroups keeps the freshest record of every (recipient, group) in
// the batch and cancels the rest. Order of survivors is preserved.
func (d *Dispatcher) collapseGroups(ctx context.Context, recs []*Record, res *BatchResult) []*Record {
	freshest := make(map[string]*Record, len(recs))
	for _, rec := range recs {
		k := rec.Recipient + "\x00" + rec.GroupKey
		cur, ok := freshest[k]
		if !ok || rec.CreatedAt.After(cur.CreatedAt) || (rec.CreatedAt.Equal(cur.CreatedAt) && rec.ID > cur.ID) {
			freshest[k] = rec
		}
	}

	out := recs[:0:0]
	for _, rec := range recs {
		if freshest[rec.Recipient+"\x00"+rec.GroupKey] == rec {
			out = append(out, rec)
			continue
		}
		if err := d.queue.MarkCancelled(ctx, rec.ID, "superseded"); err != nil {
			d.logger.Warn("Cancel superseded failed", "notification_id", rec.ID, "error", err)
			continue
		}
		res.Superseded++
	}
	return out
}

func (d *Dispatcher) cancel(ctx context.Context, rec *Record, reason string, res *BatchResult) {
	if err := d.queue.MarkCancelled(ctx, rec.ID, reason); err != nil {
		d.logger.Warn("Cancel failed", "notification_id", rec.ID, "error", err)
		return
	}
	res.Cancelled++
	d.logger.Info("Notification cancelled", "notification_id", rec.ID, "employee_id", rec.EmployeeID, "reason", reason)
}

// dispatchOne supersedes siblings, renders, sends and records the outcome
// of a single record. A panic is contained to the record.
func (d *Dispatcher) dispatchOne(ctx context.Context, rec *Record, res *BatchResult) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("Dispatch panic", "notification_id", rec.ID, "panic", r)
			metrics.LoopPanics.WithLabelValues("dispatch").Inc()
		}
	}()

	n, err := d.queue.Supersede(ctx, rec, d.now())
	if err != nil {
		d.logger.Warn("Supersede failed", "notification_id", rec.ID, "group_key", rec.GroupKey, "error", err)
	}
	res.Superseded += n

	text, err := Render(rec, d.cfg.MaxMessageLength)
	if err != nil {
		d.logger.Warn("Render failed", "notification_id", rec.ID, "error", err)
		if err := d.queue.MarkFailed(ctx, rec.ID, rec.RetryCount, err.Error()); err != nil {
			d.logger.Warn("Mark failed failed", "notification_id", rec.ID, "error", err)
			return
		}
		d.appendLog(ctx, rec, OutcomeFailed, err.Error())
		res.Failed++
		return
	}

	sendErr := d.send(ctx, rec, text)
	now := d.now()
	if sendErr == nil {
		if err := d.queue.MarkSent(ctx, rec.ID, now); err != nil {
			d.logger.Warn("Mark sent failed", "notification_id", rec.ID, "error", err)
		}
		d.appendLog(ctx, rec, OutcomeSent, "")
		res.Sent++
		metrics.DeliveryAttempts.WithLabelValues(string(OutcomeSent)).Inc()
		d.logger.Info("Notification sent",
			"notification_id", rec.ID, "employee_id", rec.EmployeeID,
			"category", rec.Category, "priority", rec.Priority)
		return
	}

	v := d.policy.Next(rec, sendErr, now)
	metrics.DeliveryAttempts.WithLabelValues(string(v.Outcome)).Inc()
	switch v.Outcome {
	case OutcomeRetrying:
		if err := d.queue.MarkRetry(ctx, rec.ID, v.RetryCount, v.NextAt, sendErr.Error()); err != nil {
			d.logger.Warn("Mark retry failed", "notification_id", rec.ID, "error", err)
			return
		}
		res.Retrying++
		d.logger.Warn("Send failed, will retry",
			"notification_id", rec.ID, "retry_count", v.RetryCount, "next_at", v.NextAt, "error", sendErr)
	default:
		if err := d.queue.MarkFailed(ctx, rec.ID, v.RetryCount, sendErr.Error()); err != nil {
			d.logger.Warn("Mark failed failed", "notification_id", rec.ID, "error", err)
			return
		}
		res.Failed++
		if v.Permanent {
			d.logger.Warn("Permanent addressing failure",
				"notification_id", rec.ID, "employee_id", rec.EmployeeID, "recipient", rec.Recipient, "error", sendErr)
		} else {
			d.logger.Error("Send failed, retries exhausted",
				"notification_id", rec.ID, "retry_count", v.RetryCount, "error", sendErr)
		}
	}
	d.appendLog(ctx, rec, v.Outcome, sendErr.Error())
}

func (d *Dispatcher) send(ctx context.Context, rec *Record, text string) error {
	if rec.Recipient == "" {
		return fmt.Errorf("employee %d has no channel address: %w", rec.EmployeeID, ErrInvalidAddress)
	}
	sctx, cancel := context.WithTimeout(ctx, d.cfg.SendTimeout)
	defer cancel()

	start := time.Now()
	err := d.channel.Send(sctx, rec.Recipient, text)
	metrics.SendDuration.Observe(time.Since(start).Seconds())
	return err
}

func (d *Dispatcher) appendLog(ctx context.Context, rec *Record, outcome Outcome, errMsg string) {
	entry := &LogEntry{
		NotificationID: rec.ID,
		Recipient:      rec.Recipient,
		EmployeeID:     rec.EmployeeID,
		Category:       rec.Category,
		GroupKey:       rec.GroupKey,
		Title:          rec.Title,
		Body:           rec.Body,
		Outcome:        outcome,
		Error:          errMsg,
		Entity:         rec.Entity,
		CreatedAt:      d.now(),
	}
	if err := d.log.Append(ctx, entry); err != nil {
		d.logger.Warn("Delivery log append failed", "notification_id", rec.ID, "error", err)
	}
}
