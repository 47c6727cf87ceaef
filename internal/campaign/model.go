package campaign

import (
	"errors"
	"fmt"
)

type Status string

const (
	StatusPending Status = "pending"
	StatusSending Status = "sending"
	StatusClosed  Status = "closed"
	StatusError   Status = "error"
)

// Campaign is a newsletter row together with its creator's address.
type Campaign struct {
	ID           int64
	BusinessID   int64
	Name         string
	Type         string
	Subject      string
	TemplatePath string
	ImagePath    string
	Filters      []byte
	Status       Status
	CreatorEmail string
}

// ErrTransitionRejected means the row was no longer in the state a
// transition requires.
var ErrTransitionRejected = errors.New("campaign is not in the expected status")

type ResourceError struct {
	CampaignID int64
	Reason     string
	Err        error
}

func (e *ResourceError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("campaign %d: %s", e.CampaignID, e.Reason)
	}
	return fmt.Sprintf("campaign %d: %s: %v", e.CampaignID, e.Reason, e.Err)
}

func (e *ResourceError) Unwrap() error { return e.Err }
