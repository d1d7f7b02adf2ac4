package contracts

import (
	"fmt"
	"time"
)

// JobStatus is the closed lifecycle enum of an orchestration run
// ⭐ SSOT: DB enum etl_job_status 와 1:1
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
	JobRetrying  JobStatus = "retrying"
)

// ParseJobStatus validates s against the closed set
func ParseJobStatus(s string) (JobStatus, error) {
	switch st := JobStatus(s); st {
	case JobPending, JobRunning, JobCompleted, JobFailed, JobCancelled, JobRetrying:
		return st, nil
	}
	return "", fmt.Errorf("unknown job status %q", s)
}

// IsTerminal reports whether no further transition is possible
func (s JobStatus) IsTerminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCancelled
}

// Operation is the extraction mode chosen for one instrument
type Operation string

const (
	OperationSkip        Operation = "skip"
	OperationIncremental Operation = "incremental"
	OperationBackfill    Operation = "backfill"
)

// ParseOperation validates s against the closed set
func ParseOperation(s string) (Operation, error) {
	switch op := Operation(s); op {
	case OperationSkip, OperationIncremental, OperationBackfill:
		return op, nil
	}
	return "", fmt.Errorf("unknown operation %q", s)
}

// RecordCounts aggregates per-bar outcomes
type RecordCounts struct {
	Processed int `json:"processed"`
	Inserted  int `json:"inserted"`
	Updated   int `json:"updated"`
	Unchanged int `json:"unchanged"`
	Failed    int `json:"failed"`
}

// Add accumulates o into c
func (c *RecordCounts) Add(o RecordCounts) {
	c.Processed += o.Processed
	c.Inserted += o.Inserted
	c.Updated += o.Updated
	c.Unchanged += o.Unchanged
	c.Failed += o.Failed
}

// Affected is the number of rows actually written
func (c RecordCounts) Affected() int {
	return c.Inserted + c.Updated
}

// Job is one orchestration run. All timestamps are UTC.
type Job struct {
	ID             int64                  `json:"id"`
	Name           string                 `json:"name"`
	Type           string                 `json:"type"`
	InstrumentType string                 `json:"instrument_type"`
	Status         JobStatus              `json:"status"`
	StartedAt      time.Time              `json:"started_at"`
	CompletedAt    *time.Time             `json:"completed_at,omitempty"`
	Duration       time.Duration          `json:"duration"`
	Counts         RecordCounts           `json:"counts"`
	RetryCount     int                    `json:"retry_count"`
	MaxRetries     int                    `json:"max_retries"`
	ErrorMessage   string                 `json:"error_message,omitempty"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
	ExternalRunID  string                 `json:"external_run_id,omitempty"`
	CreatedAt      time.Time              `json:"created_at"`
}

// JobDetail is the immutable per-instrument outcome within a job
type JobDetail struct {
	ID              int64          `json:"id"`
	JobID           int64          `json:"job_id"`
	InstrumentID    *int64         `json:"instrument_id,omitempty"`
	Symbol          string         `json:"symbol"`
	InstrumentType  InstrumentType `json:"instrument_type"`
	Operation       Operation      `json:"operation"`
	Reason          string         `json:"reason,omitempty"`
	DateFrom        TradingDate    `json:"date_from"`
	DateTo          TradingDate    `json:"date_to"`
	ProcessingOrder int            `json:"processing_order"`
	Counts          RecordCounts   `json:"counts"`
	ErrorMessage    string         `json:"error_message,omitempty"`
	ProcessingTime  time.Duration  `json:"processing_time"`
	CreatedAt       time.Time      `json:"created_at"`
}

// Succeeded reports whether the instrument finished without error
func (d *JobDetail) Succeeded() bool {
	return d.ErrorMessage == ""
}
