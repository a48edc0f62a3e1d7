package models

import (
	"time"
)

// Cleanup run types.
const (
	RunTypeFileStore = "filestore"
	RunTypeRecords   = "records"
	RunTypeRecovery  = "recovery"
)

// CleanupRun is the immutable audit record of one cleanup or recovery pass.
type CleanupRun struct {
	ID                int64     `json:"id"`
	RunType           string    `json:"run_type"`
	Zone              string    `json:"zone,omitempty"`
	DryRun            bool      `json:"dry_run"`
	StartedAt         time.Time `json:"started_at"`
	FinishedAt        time.Time `json:"finished_at"`
	Inspected         int       `json:"inspected"`
	Deleted           int       `json:"deleted"`
	SkippedReferenced int       `json:"skipped_referenced"`
	FreedBytes        int64     `json:"freed_bytes"`
	ErrorCount        int       `json:"error_count"`
	ErrorDetail       string    `json:"error_detail,omitempty"`
}
