package notify

import (
	"context"

	log "github.com/sirupsen/logrus"

	"github.com/rodovia/alertcore/internal/workqueue"
)

// RoundRequest asks for one escalation round of an alert to be sent
type RoundRequest struct {
	AlertID uint
	Round   int
}

// Queue puts the dispatcher behind a bounded worker pool so the scheduler
// never waits on a slow channel
type Queue struct {
	dispatcher *Dispatcher
	q          *workqueue.Queue[RoundRequest]
}

// NewQueue creates a dispatch queue
func NewQueue(d *Dispatcher, size, workers int) *Queue {
	q := &Queue{dispatcher: d}
	q.q = workqueue.New("DispatchQueue", size, workers, func(ctx context.Context, r RoundRequest) error {
		_, err := d.Dispatch(ctx, r.AlertID, r.Round)
		return err
	})
	return q
}

// Submit records the round as pending, then queues it. A round that cannot
// be recorded or finds the queue full is dispatched inline rather than dropped.
func (q *Queue) Submit(ctx context.Context, alertID uint, round int) error {
	if _, err := q.dispatcher.Prepare(ctx, alertID, round); err != nil {
		log.WithField("alert_id", alertID).Warnf("Failed to record round %d before queueing, sending inline: %v", round, err)
		_, err := q.dispatcher.Dispatch(ctx, alertID, round)
		return err
	}
	if q.q.Enqueue(RoundRequest{AlertID: alertID, Round: round}) {
		return nil
	}
	log.WithField("alert_id", alertID).Warn("Dispatch queue full, sending inline")
	_, err := q.dispatcher.Dispatch(ctx, alertID, round)
	return err
}

// Start launches the workers
func (q *Queue) Start(ctx context.Context) {
	q.q.Start(ctx)
}

// Wait blocks until the workers exit
func (q *Queue) Wait() {
	q.q.Wait()
}
