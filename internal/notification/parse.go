package notification

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

type snsEnvelope struct {
	Type      string `json:"Type"`
	MessageID string `json:"MessageId"`
	Message   string `json:"Message"`
}

type sesHeader struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type sesEvent struct {
	NotificationType string `json:"notificationType"`
	EventType        string `json:"eventType"`
	Bounce           *struct {
		BounceType        string `json:"bounceType"`
		BounceSubType     string `json:"bounceSubType"`
		Timestamp         string `json:"timestamp"`
		BouncedRecipients []struct {
			EmailAddress   string `json:"emailAddress"`
			DiagnosticCode string `json:"diagnosticCode"`
		} `json:"bouncedRecipients"`
	} `json:"bounce"`
	Complaint *struct {
		ComplaintFeedbackType string `json:"complaintFeedbackType"`
		Timestamp             string `json:"timestamp"`
		ComplainedRecipients  []struct {
			EmailAddress string `json:"emailAddress"`
		} `json:"complainedRecipients"`
	} `json:"complaint"`
	Mail struct {
		Headers []sesHeader `json:"headers"`
	} `json:"mail"`
}

var (
	campaignHeaders = []string{"X-Campaign-Id", "CAMPAIGN_ID"}
	endUserHeaders  = []string{"X-End-User-Id", "END_USER_ID"}
)

var ErrUnsupportedType = errors.New("unsupported notification type")

// Parse decodes an SNS delivery wrapping an SES bounce or complaint. The
// event timestamp is converted to loc.
func Parse(body []byte, loc *time.Location) (Notification, error) {
	var env snsEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return Notification{}, fmt.Errorf("decode sns envelope: %w", err)
	}
	if env.Message == "" {
		return Notification{}, errors.New("sns envelope has no message")
	}
	var event sesEvent
	if err := json.Unmarshal([]byte(env.Message), &event); err != nil {
		return Notification{}, fmt.Errorf("decode ses event: %w", err)
	}
	if loc == nil {
		loc = time.UTC
	}

	kind := strings.ToLower(event.NotificationType)
	if kind == "" {
		kind = strings.ToLower(event.EventType)
	}

	var (
		n         = Notification{NotificationType: kind}
		timestamp string
	)
	switch kind {
	case TypeBounce:
		if event.Bounce == nil || len(event.Bounce.BouncedRecipients) == 0 {
			return Notification{}, errors.New("bounce without recipients")
		}
		r := event.Bounce.BouncedRecipients[0]
		n.Type = event.Bounce.BounceType
		n.Subtype = optional(event.Bounce.BounceSubType)
		n.Recipient = r.EmailAddress
		n.RecipientDiagnostic = optional(r.DiagnosticCode)
		timestamp = event.Bounce.Timestamp
	case TypeComplaint:
		if event.Complaint == nil || len(event.Complaint.ComplainedRecipients) == 0 {
			return Notification{}, errors.New("complaint without recipients")
		}
		n.Type = event.Complaint.ComplaintFeedbackType
		n.Recipient = event.Complaint.ComplainedRecipients[0].EmailAddress
		timestamp = event.Complaint.Timestamp
	default:
		return Notification{}, fmt.Errorf("%w: %q", ErrUnsupportedType, kind)
	}

	received, err := time.Parse(time.RFC3339Nano, timestamp)
	if err != nil {
		return Notification{}, fmt.Errorf("parse %s timestamp: %w", kind, err)
	}
	n.ReceivedAt = received.In(loc)
	n.CampaignID = headerID(event.Mail.Headers, campaignHeaders)
	n.EndUserID = headerID(event.Mail.Headers, endUserHeaders)
	return n, nil
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func headerID(headers []sesHeader, names []string) *int64 {
	for _, h := range headers {
		for _, name := range names {
			if !strings.EqualFold(h.Name, name) {
				continue
			}
			if id, err := strconv.ParseInt(strings.TrimSpace(h.Value), 10, 64); err == nil {
				return &id
			}
		}
	}
	return nil
}
