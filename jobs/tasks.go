package jobs

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"

	// TaskProcessInvoice runs the extraction and matching pipeline for
	// one invoice.
	TaskProcessInvoice = "invoice:process"
	// TaskMailboxPoll drains the AP mailbox drop directory.
	TaskMailboxPoll = "mailbox:poll"
	// TaskSLASweep raises deadline alerts for pending invoices.
	TaskSLASweep = "sla:sweep"
	// TaskComplianceExpiry flips expired vendor compliance documents.
	TaskComplianceExpiry = "compliance:expiry"
	// TaskRecurringDetect refreshes recurring vendor patterns.
	TaskRecurringDetect = "recurring:detect"
	// TaskFeedbackAnalyze turns correction volume into rule recommendations.
	TaskFeedbackAnalyze = "feedback:analyze"
)

// ProcessInvoicePayload identifies the invoice to run through the pipeline.
type ProcessInvoicePayload struct {
	InvoiceID uuid.UUID `json:"invoice_id"`
}

// NewProcessInvoiceTask constructs an Asynq task for one pipeline run.
func NewProcessInvoiceTask(invoiceID uuid.UUID) (*asynq.Task, error) {
	data, err := json.Marshal(ProcessInvoicePayload{InvoiceID: invoiceID})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskProcessInvoice, data, asynq.Queue(QueueDefault), asynq.MaxRetry(3)), nil
}

// ScheduledPayload carries scheduling metadata for cron-fired tasks.
type ScheduledPayload struct {
	ScheduledFor time.Time `json:"scheduled_for"`
}

// NewScheduledTask constructs a cron task with an empty schedule stamp;
// the scheduler fills real fire times at enqueue.
func NewScheduledTask(taskType string) *asynq.Task {
	data, _ := json.Marshal(ScheduledPayload{})
	return asynq.NewTask(taskType, data, asynq.Queue(QueueDefault))
}
