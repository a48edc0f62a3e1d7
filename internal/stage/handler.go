// Package stage runs pipeline stages out-of-line from the scheduler.
// Handlers are external collaborators: the pipeline only defines the
// contract of input in, success payload or failure reason out.
package stage

import (
	"context"

	"github.com/ticketpipe-io/ticketpipe/internal/models"
	"github.com/ticketpipe-io/ticketpipe/internal/pipeline"
)

// Input is what a stage handler receives for one execution.
type Input struct {
	MessageID string `json:"message_id"`
	TenantID  int    `json:"tenant_id"`
	Subject   string `json:"subject"`
	// Payload is the current stage input: the message body for the
	// first stage, the predecessor's output afterwards.
	Payload string `json:"payload"`
	// Attachments lists stored attachment references for stages that
	// need the originals (OCR).
	Attachments []models.Attachment `json:"attachments,omitempty"`
}

// Handler executes one pipeline stage for one message. It may block
// arbitrarily long on external calls; the dispatcher always runs it
// outside the scheduler loop.
type Handler interface {
	Stage() pipeline.Stage
	Execute(ctx context.Context, in Input) (output string, err error)
}

// BuildInput assembles the stage input from the message and the outputs
// accumulated so far.
func BuildInput(msg *models.Message, s pipeline.Stage) Input {
	in := Input{
		MessageID: msg.ID,
		TenantID:  msg.TenantID,
		Subject:   msg.Subject,
		Payload:   msg.Body,
	}
	switch s {
	case pipeline.StageOCR:
		in.Attachments = msg.Attachments
	case pipeline.StageSummary:
		in.Payload = msg.StageOutputs[string(pipeline.StageOCR)]
	case pipeline.StageIssue:
		in.Payload = msg.StageOutputs[string(pipeline.StageSummary)]
	}
	return in
}
