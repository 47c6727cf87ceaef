package notification

import (
	"context"
	"fmt"
	"strings"
	"time"
)

const (
	TypeBounce    = "bounce"
	TypeComplaint = "complaint"
)

// Notification is one SES bounce or complaint ready to be stored.
type Notification struct {
	NotificationType    string
	Type                string
	Subtype             *string
	Recipient           string
	RecipientDiagnostic *string
	ReceivedAt          time.Time
	CampaignID          *int64
	EndUserID           *int64
}

// Envelope is a raw queue message. Receipt is whatever the queue needs to
// acknowledge it later.
type Envelope struct {
	ID      string
	Receipt string
	Body    []byte
}

type DeleteReport struct {
	Requested int
	Deleted   int
	Failed    []string
}

type Queue interface {
	Receive(ctx context.Context, max int) ([]Envelope, error)
	DeleteBatch(ctx context.Context, envelopes []Envelope) (DeleteReport, error)
}

type Store interface {
	InsertBatch(ctx context.Context, notifications []Notification) error
}

type IngestionError struct {
	Stage      string
	MessageIDs []string
	Err        error
}

func (e *IngestionError) Error() string {
	return fmt.Sprintf("ingestion failed at %s for [%s]: %v", e.Stage, strings.Join(e.MessageIDs, ", "), e.Err)
}

func (e *IngestionError) Unwrap() error { return e.Err }

// AcknowledgmentError means notifications were stored but not all of their
// queue messages were removed, so they may be delivered and stored again.
type AcknowledgmentError struct {
	Requested int
	Failed    int
	Err       error
}

func (e *AcknowledgmentError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("acknowledged %d of %d messages: %v", e.Requested-e.Failed, e.Requested, e.Err)
	}
	return fmt.Sprintf("acknowledged %d of %d messages", e.Requested-e.Failed, e.Requested)
}

func (e *AcknowledgmentError) Unwrap() error { return e.Err }
