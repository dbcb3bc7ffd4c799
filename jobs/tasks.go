package jobs

import (
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskOverdueSweep flips unpaid past-due invoices to OVERDUE.
	TaskOverdueSweep = "recon:overdue_sweep"
)

// OverdueSweepPayload carries the sweep reference date. Empty AsOf means the
// current UTC date.
type OverdueSweepPayload struct {
	AsOf string `json:"as_of,omitempty"`
}

// NewOverdueSweepTask constructs an Asynq task for the overdue sweep.
func NewOverdueSweepTask(asOf time.Time) (*asynq.Task, error) {
	payload := OverdueSweepPayload{}
	if !asOf.IsZero() {
		payload.AsOf = asOf.Format("2006-01-02")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskOverdueSweep, data), nil
}
