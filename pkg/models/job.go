// Package models contains domain models for shoprank.
package models

import "time"

// JobStatus is the lifecycle state of a recalculation job.
type JobStatus string

const (
	JobIdle      JobStatus = "idle"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// RecalcJob is the shared state of the single process-wide bulk recalculation.
// At most one job is running at a time; a new start fully replaces the record.
type RecalcJob struct {
	ID               string     `json:"id"`
	Status           JobStatus  `json:"status"`
	TotalItems       int        `json:"total_items"`
	TotalBatches     int        `json:"total_batches"`
	ProcessedItems   int        `json:"processed_items"`
	ProcessedBatches int        `json:"processed_batches"`
	FailedItems      []ItemID   `json:"failed_items"`
	StartedAt        time.Time  `json:"started_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
}

// Progress is the caller-facing snapshot derived from a RecalcJob.
type Progress struct {
	JobID            string    `json:"job_id,omitempty"`
	Status           JobStatus `json:"status"`
	Percent          float64   `json:"progress"`
	TotalItems       int       `json:"total_items"`
	ProcessedItems   int       `json:"processed_items"`
	TotalBatches     int       `json:"total_batches"`
	ProcessedBatches int       `json:"processed_batches"`
	FailedItems      int       `json:"failed_items"`
	PendingTasks     int       `json:"pending_tasks"`
	InFlightTasks    int       `json:"in_flight_tasks"`
	Elapsed          string    `json:"elapsed"`
	Message          string    `json:"message"`
}
