package models

import (
	"time"
)

// Status is the authoritative processing state of a message. There is a
// single persisted status column per message; all transitions go through
// the pipeline package's compare-and-set primitives.
type Status string

const (
	StatusFetched Status = "FETCHED"

	StatusOCRProcessing Status = "OCR_PROCESSING"
	StatusOCRSuccess    Status = "OCR_SUCCESS"
	StatusOCRFailed     Status = "OCR_FAILED"

	StatusSummaryProcessing Status = "SUMMARY_PROCESSING"
	StatusSummarySuccess    Status = "SUMMARY_SUCCESS"
	StatusSummaryFailed     Status = "SUMMARY_FAILED"

	StatusIssueProcessing Status = "ISSUE_PROCESSING"
	StatusIssueSuccess    Status = "ISSUE_SUCCESS"
	StatusIssueFailed     Status = "ISSUE_FAILED"
)

// Message is the unit of work flowing through the pipeline.
type Message struct {
	ID          string       `json:"id"`
	TenantID    int          `json:"tenant_id"`
	Recipient   string       `json:"recipient"`
	Sender      string       `json:"sender"`
	Subject     string       `json:"subject"`
	Body        string       `json:"body"`
	Attachments []Attachment `json:"attachments,omitempty"`
	Status      Status       `json:"status"`
	// StageOutputs accumulates the success payload of each completed
	// stage, keyed by stage name; the issue hand-off receives all of them.
	StageOutputs map[string]string `json:"stage_outputs,omitempty"`
	ErrorDetail  string            `json:"error_detail,omitempty"`
	RetryCount   int               `json:"retry_count"`
	ClaimedAt    *time.Time        `json:"claimed_at,omitempty"`
	ReceivedAt   time.Time         `json:"received_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

// Attachment references one stored attachment of a message.
type Attachment struct {
	FileName    string `json:"file_name"`
	ContentType string `json:"content_type"`
	Size        int64  `json:"size"`
	StoragePath string `json:"storage_path"`
}
