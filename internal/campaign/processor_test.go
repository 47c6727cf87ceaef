package campaign

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/campaign-mailer/internal/audience"
	"github.com/example/campaign-mailer/internal/email"
)

type fakeGetter map[int64]Campaign

func (f fakeGetter) Get(ctx context.Context, id int64) (Campaign, error) {
	c, ok := f[id]
	if !ok {
		return Campaign{}, &ResourceError{CampaignID: id, Reason: "campaign or its creator not found"}
	}
	return c, nil
}

type fakeTemplates map[string]string

func (f fakeTemplates) Load(ctx context.Context, path string) (string, error) {
	t, ok := f[path]
	if !ok {
		return "", os.ErrNotExist
	}
	return t, nil
}

type fakeResolver struct {
	recipients []audience.Recipient
	err        error
	query      audience.Query
}

func (f *fakeResolver) Resolve(ctx context.Context, q audience.Query) ([]audience.Recipient, error) {
	f.query = q
	return f.recipients, f.err
}

type recordingDispatcher struct {
	messages []email.Message
	fail     bool
	called   bool
}

func (d *recordingDispatcher) Dispatch(ctx context.Context, recipients []audience.Recipient, factory email.MessageFactory) email.Outcomes {
	d.called = true
	outcomes := make(email.Outcomes, 0, len(recipients))
	for _, r := range recipients {
		msg, err := factory(r)
		out := email.Outcome{RecipientID: r.ID, Address: msg.To, Err: err}
		if err == nil {
			d.messages = append(d.messages, msg)
			if d.fail {
				out.Err = errors.New("provider down")
			}
		}
		outcomes = append(outcomes, out)
	}
	return outcomes
}

func spring() Campaign {
	return Campaign{
		ID:           7,
		BusinessID:   42,
		Type:         "normal",
		Subject:      "Spring offers",
		TemplatePath: "spring.html",
		ImagePath:    "/img/spring.png",
		Filters:      []byte(`{"group": [1]}`),
		Status:       StatusSending,
		CreatorEmail: "owner@example.com",
	}
}

func newProcessor(c Campaign, resolver *fakeResolver, d *recordingDispatcher) *Processor {
	return &Processor{
		Campaigns:    fakeGetter{c.ID: c},
		Templates:    fakeTemplates{"spring.html": `<img src="{{image_source}}"><p>Hi {{first_name}}</p>`},
		Audience:     resolver,
		Dispatcher:   d,
		FromEmail:    "news@example.com",
		ImageBaseURL: "https://cdn.example.com",
		Production:   true,
		Logger:       zerolog.Nop(),
	}
}

func twoRecipients() []audience.Recipient {
	return []audience.Recipient{
		{ID: 1, Email: "ada@example.com", Vars: map[string]string{"first_name": "Ada"}},
		{ID: 2, Email: "grace@example.com", Vars: map[string]string{"first_name": "Grace"}},
	}
}

func TestProcessorSendsToAudience(t *testing.T) {
	resolver := &fakeResolver{recipients: twoRecipients()}
	d := &recordingDispatcher{}
	p := newProcessor(spring(), resolver, d)

	res, err := p.Process(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, Result{CampaignID: 7, Audience: 2, Sent: 2}, res)

	assert.Equal(t, []any{int64(42), "accepted", int64(1)}, resolver.query.Args)
	require.Len(t, d.messages, 2)
	assert.Equal(t, "ada@example.com", d.messages[0].To)
	assert.Equal(t, `<img src="https://cdn.example.com/img/spring.png"><p>Hi Ada</p>`, d.messages[0].Body.HTML)
	assert.Equal(t, "Spring offers", d.messages[1].Subject)
	assert.Equal(t, "7", d.messages[1].Headers[email.HeaderCampaignID])
}

func TestProcessorNonProductionSendsOneTestEmail(t *testing.T) {
	d := &recordingDispatcher{}
	p := newProcessor(spring(), &fakeResolver{recipients: twoRecipients()}, d)
	p.Production = false

	_, err := p.Process(context.Background(), 7)
	require.NoError(t, err)
	require.Len(t, d.messages, 1)
	assert.Equal(t, "owner@example.com", d.messages[0].To)
	assert.Contains(t, d.messages[0].Body.HTML, "Hi Ada")

	d = &recordingDispatcher{}
	p = newProcessor(spring(), &fakeResolver{recipients: twoRecipients()}, d)
	p.Production = false
	p.TestRecipient = "qa@example.com"

	_, err = p.Process(context.Background(), 7)
	require.NoError(t, err)
	require.Len(t, d.messages, 1)
	assert.Equal(t, "qa@example.com", d.messages[0].To)
}

func TestProcessorEmptyAudienceIsSuccess(t *testing.T) {
	d := &recordingDispatcher{}
	p := newProcessor(spring(), &fakeResolver{}, d)

	res, err := p.Process(context.Background(), 7)
	require.NoError(t, err)
	assert.Zero(t, res.Audience)
	assert.False(t, d.called)
}

func TestProcessorFailures(t *testing.T) {
	noTemplate := spring()
	noTemplate.TemplatePath = ""
	missingFile := spring()
	missingFile.TemplatePath = "gone.html"
	badType := spring()
	badType.Type = "sms"
	badFilters := spring()
	badFilters.Filters = []byte(`{"shoe_size": 42}`)

	tests := []struct {
		name     string
		campaign Campaign
		resolver *fakeResolver
		check    func(t *testing.T, err error)
	}{
		{"missing template path", noTemplate, &fakeResolver{}, func(t *testing.T, err error) {
			var rerr *ResourceError
			assert.ErrorAs(t, err, &rerr)
		}},
		{"unreadable template", missingFile, &fakeResolver{}, func(t *testing.T, err error) {
			assert.ErrorIs(t, err, os.ErrNotExist)
		}},
		{"unknown campaign type", badType, &fakeResolver{}, func(t *testing.T, err error) {
			assert.True(t, IsValidation(err))
		}},
		{"unknown filter", badFilters, &fakeResolver{}, func(t *testing.T, err error) {
			assert.True(t, IsValidation(err))
		}},
		{"audience query failure", spring(), &fakeResolver{err: errors.New("db down")}, func(t *testing.T, err error) {
			assert.ErrorContains(t, err, "db down")
		}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			d := &recordingDispatcher{}
			_, err := newProcessor(tc.campaign, tc.resolver, d).Process(context.Background(), 7)
			require.Error(t, err)
			tc.check(t, err)
			assert.False(t, d.called)
		})
	}
}

func TestProcessorUnknownCampaign(t *testing.T) {
	p := newProcessor(spring(), &fakeResolver{}, &recordingDispatcher{})
	_, err := p.Process(context.Background(), 99)
	var rerr *ResourceError
	require.ErrorAs(t, err, &rerr)
}

func TestProcessorEverySendFailed(t *testing.T) {
	d := &recordingDispatcher{fail: true}
	p := newProcessor(spring(), &fakeResolver{recipients: twoRecipients()}, d)

	res, err := p.Process(context.Background(), 7)
	var rerr *ResourceError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, 2, res.Failed)
}

func TestFileTemplateSource(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "spring.html"), []byte("<p>hi</p>"), 0o600))

	src := FileTemplateSource{BaseDir: dir}
	content, err := src.Load(context.Background(), "spring.html")
	require.NoError(t, err)
	assert.Equal(t, "<p>hi</p>", content)

	content, err = FileTemplateSource{}.Load(context.Background(), filepath.Join(dir, "spring.html"))
	require.NoError(t, err)
	assert.Equal(t, "<p>hi</p>", content)

	_, err = src.Load(context.Background(), "missing.html")
	assert.ErrorIs(t, err, os.ErrNotExist)
}
