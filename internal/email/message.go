package email

import (
	"fmt"
	"net/textproto"
	"strconv"

	jwemail "github.com/jordan-wright/email"
)

const (
	HeaderCampaignID = "X-Campaign-Id"
	HeaderEndUserID  = "X-End-User-Id"
)

// Skeleton holds what every message of a campaign shares. It is built once
// per campaign and never mutated, so workers can stamp messages from it
// concurrently.
type Skeleton struct {
	from       string
	subject    string
	campaignID int64
}

func NewSkeleton(from, subject string, campaignID int64) Skeleton {
	return Skeleton{from: from, subject: subject, campaignID: campaignID}
}

func (s Skeleton) CampaignID() int64 { return s.campaignID }

// Message returns a fresh message addressed to one recipient.
func (s Skeleton) Message(recipientID int64, to string, body Body) Message {
	return Message{
		CampaignID:  s.campaignID,
		RecipientID: recipientID,
		From:        s.from,
		To:          to,
		Subject:     s.subject,
		Body:        body,
		Headers: map[string]string{
			HeaderCampaignID: strconv.FormatInt(s.campaignID, 10),
			HeaderEndUserID:  strconv.FormatInt(recipientID, 10),
		},
	}
}

type Message struct {
	CampaignID  int64
	RecipientID int64
	From        string
	To          string
	Subject     string
	Body        Body
	Headers     map[string]string
}

// Raw renders the message as a multipart/alternative MIME document.
func (m Message) Raw() ([]byte, error) {
	e := jwemail.NewEmail()
	e.From = m.From
	e.To = []string{m.To}
	e.Subject = m.Subject
	e.HTML = []byte(m.Body.HTML)
	e.Text = []byte(m.Body.Text)
	e.Headers = textproto.MIMEHeader{}
	for k, v := range m.Headers {
		e.Headers.Set(k, v)
	}
	raw, err := e.Bytes()
	if err != nil {
		return nil, fmt.Errorf("build mime message: %w", err)
	}
	return raw, nil
}
