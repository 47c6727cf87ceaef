package email

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSES struct {
	input *ses.SendRawEmailInput
	err   error
}

func (f *fakeSES) SendRawEmail(ctx context.Context, params *ses.SendRawEmailInput, optFns ...func(*ses.Options)) (*ses.SendRawEmailOutput, error) {
	f.input = params
	if f.err != nil {
		return nil, f.err
	}
	return &ses.SendRawEmailOutput{MessageId: aws.String("ses-123")}, nil
}

func testMessage() Message {
	return NewSkeleton("news@example.com", "Spring offers", 17).
		Message(99, "ada@example.com", Body{HTML: "<p>hi</p>", Text: "hi"})
}

func TestSESProviderSend(t *testing.T) {
	client := &fakeSES{}
	p := &SESProvider{Client: client, MessageTag: "campaign", ConfigurationSet: "newsletter"}

	id, err := p.Send(context.Background(), testMessage())
	require.NoError(t, err)
	assert.Equal(t, "ses-123", id)

	in := client.input
	require.NotNil(t, in)
	assert.Equal(t, "news@example.com", aws.ToString(in.Source))
	assert.Equal(t, []string{"ada@example.com"}, in.Destinations)
	assert.Equal(t, "newsletter", aws.ToString(in.ConfigurationSetName))
	require.Len(t, in.Tags, 1)
	assert.Equal(t, "campaign", aws.ToString(in.Tags[0].Name))
	assert.Equal(t, "17", aws.ToString(in.Tags[0].Value))
	assert.Contains(t, string(in.RawMessage.Data), "X-End-User-Id: 99")
}

func TestSESProviderWrapsClientError(t *testing.T) {
	boom := errors.New("throttled")
	p := &SESProvider{Client: &fakeSES{err: boom}}

	_, err := p.Send(context.Background(), testMessage())
	require.ErrorIs(t, err, boom)
}

func TestSendGridProviderSend(t *testing.T) {
	var got sendGridRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v3/mail/send", r.URL.Path)
		assert.Equal(t, "Bearer key", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("X-Message-Id", "sg-1")
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	p := &SendGridProvider{Endpoint: srv.URL, APIKey: "key"}
	id, err := p.Send(context.Background(), testMessage())
	require.NoError(t, err)
	assert.Equal(t, "sg-1", id)

	assert.Equal(t, []string{"campaign-17"}, got.Categories)
	require.Len(t, got.Personalizations, 1)
	assert.Equal(t, "99", got.Personalizations[0].Headers[HeaderEndUserID])
	assert.Equal(t, "ada@example.com", got.Personalizations[0].To[0].Email)
}

func TestSendGridProviderRejectsErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	p := &SendGridProvider{Endpoint: srv.URL, APIKey: "key"}
	_, err := p.Send(context.Background(), testMessage())
	assert.Error(t, err)
}
