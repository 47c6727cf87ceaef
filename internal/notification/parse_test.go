package notification

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// snsBody wraps an SES event the way SNS delivers it.
func snsBody(t *testing.T, event string) []byte {
	t.Helper()
	body, err := json.Marshal(map[string]string{
		"Type":      "Notification",
		"MessageId": "a1b2",
		"Message":   event,
	})
	require.NoError(t, err)
	return body
}

const bounceEvent = `{
	"notificationType": "Bounce",
	"bounce": {
		"bounceType": "Permanent",
		"bounceSubType": "General",
		"timestamp": "2024-05-01T10:15:30.250Z",
		"bouncedRecipients": [{"emailAddress": "ada@example.com", "diagnosticCode": "smtp; 550 5.1.1 user unknown"}]
	},
	"mail": {"headers": [
		{"name": "Subject", "value": "Spring offers"},
		{"name": "X-Campaign-Id", "value": "17"},
		{"name": "X-End-User-Id", "value": "99"}
	]}
}`

const complaintEvent = `{
	"notificationType": "Complaint",
	"complaint": {
		"complaintFeedbackType": "abuse",
		"timestamp": "2024-05-01T10:15:30.000Z",
		"complainedRecipients": [{"emailAddress": "grace@example.com"}]
	},
	"mail": {"headers": [
		{"name": "CAMPAIGN_ID", "value": "18"},
		{"name": "END_USER_ID", "value": "100"}
	]}
}`

func TestParseBounce(t *testing.T) {
	n, err := Parse(snsBody(t, bounceEvent), time.UTC)
	require.NoError(t, err)

	assert.Equal(t, TypeBounce, n.NotificationType)
	assert.Equal(t, "Permanent", n.Type)
	require.NotNil(t, n.Subtype)
	assert.Equal(t, "General", *n.Subtype)
	assert.Equal(t, "ada@example.com", n.Recipient)
	require.NotNil(t, n.RecipientDiagnostic)
	assert.Contains(t, *n.RecipientDiagnostic, "user unknown")
	assert.Equal(t, time.Date(2024, 5, 1, 10, 15, 30, 250_000_000, time.UTC), n.ReceivedAt)
	require.NotNil(t, n.CampaignID)
	require.NotNil(t, n.EndUserID)
	assert.Equal(t, int64(17), *n.CampaignID)
	assert.Equal(t, int64(99), *n.EndUserID)
}

func TestParseComplaintWithLegacyHeaders(t *testing.T) {
	n, err := Parse(snsBody(t, complaintEvent), time.UTC)
	require.NoError(t, err)

	assert.Equal(t, TypeComplaint, n.NotificationType)
	assert.Equal(t, "abuse", n.Type)
	assert.Nil(t, n.Subtype)
	assert.Nil(t, n.RecipientDiagnostic)
	assert.Equal(t, "grace@example.com", n.Recipient)
	assert.Equal(t, int64(18), *n.CampaignID)
	assert.Equal(t, int64(100), *n.EndUserID)
}

func TestParseConvertsToStoreLocation(t *testing.T) {
	athens := time.FixedZone("EEST", 3*60*60)
	n, err := Parse(snsBody(t, bounceEvent), athens)
	require.NoError(t, err)

	assert.Equal(t, 13, n.ReceivedAt.Hour())
	assert.Equal(t, athens, n.ReceivedAt.Location())
}

func TestParseMissingProvenanceHeaders(t *testing.T) {
	event := `{"notificationType": "Complaint", "complaint": {"complaintFeedbackType": "abuse",
		"timestamp": "2024-05-01T10:15:30.000Z", "complainedRecipients": [{"emailAddress": "x@example.com"}]},
		"mail": {"headers": [{"name": "X-Campaign-Id", "value": "not-a-number"}]}}`

	n, err := Parse(snsBody(t, event), time.UTC)
	require.NoError(t, err)
	assert.Nil(t, n.CampaignID)
	assert.Nil(t, n.EndUserID)
}

func TestParseRejects(t *testing.T) {
	tests := []struct {
		name string
		body []byte
	}{
		{"not json", []byte("hello")},
		{"no message", []byte(`{"Type": "Notification"}`)},
		{"message not json", snsBody(t, "plain text")},
		{"delivery", snsBody(t, `{"notificationType": "Delivery", "mail": {"headers": []}}`)},
		{"bounce without recipients", snsBody(t, `{"notificationType": "Bounce", "bounce": {"bounceType": "Permanent", "timestamp": "2024-05-01T10:15:30.000Z"}}`)},
		{"bad timestamp", snsBody(t, `{"notificationType": "Complaint", "complaint": {"timestamp": "yesterday", "complainedRecipients": [{"emailAddress": "x@example.com"}]}}`)},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse(tc.body, time.UTC)
			assert.Error(t, err)
		})
	}
}

func TestParseUnsupportedType(t *testing.T) {
	_, err := Parse(snsBody(t, `{"notificationType": "Delivery"}`), time.UTC)
	assert.True(t, errors.Is(err, ErrUnsupportedType))
}
