package campaign

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/example/campaign-mailer/internal/audience"
	"github.com/example/campaign-mailer/internal/email"
)

type Getter interface {
	Get(ctx context.Context, id int64) (Campaign, error)
}

type AudienceResolver interface {
	Resolve(ctx context.Context, q audience.Query) ([]audience.Recipient, error)
}

type Dispatcher interface {
	Dispatch(ctx context.Context, recipients []audience.Recipient, factory email.MessageFactory) email.Outcomes
}

// Result summarizes one processed campaign.
type Result struct {
	CampaignID int64
	Audience   int
	Sent       int
	Failed     int
}

// Processor runs a single campaign end to end. Outside production only the
// first recipient is kept and the message goes to TestRecipient, or to the
// campaign creator when no test address is configured.
type Processor struct {
	Campaigns     Getter
	Templates     TemplateSource
	Audience      AudienceResolver
	Dispatcher    Dispatcher
	FromEmail     string
	ImageBaseURL  string
	Production    bool
	TestRecipient string
	Logger        zerolog.Logger
}

func (p *Processor) Process(ctx context.Context, id int64) (Result, error) {
	res := Result{CampaignID: id}
	logger := p.Logger.With().Int64("campaign_id", id).Logger()

	c, err := p.Campaigns.Get(ctx, id)
	if err != nil {
		return res, err
	}
	if c.TemplatePath == "" {
		return res, &ResourceError{CampaignID: id, Reason: "no template path"}
	}
	tmpl, err := p.Templates.Load(ctx, c.TemplatePath)
	if err != nil {
		return res, &ResourceError{CampaignID: id, Reason: "template unavailable", Err: err}
	}

	imageSource := ""
	if c.ImagePath != "" {
		imageSource = p.ImageBaseURL + c.ImagePath
	}
	renderer, err := email.NewRenderer(tmpl, audience.VariableNames(), imageSource)
	if err != nil {
		return res, &ResourceError{CampaignID: id, Reason: "template unusable", Err: err}
	}
	skeleton := email.NewSkeleton(p.FromEmail, c.Subject, c.ID)

	query, err := compileAudience(c)
	if err != nil {
		return res, fmt.Errorf("campaign %d: %w", id, err)
	}
	recipients, err := p.Audience.Resolve(ctx, query)
	if err != nil {
		return res, fmt.Errorf("campaign %d: %w", id, err)
	}
	res.Audience = len(recipients)
	logger.Info().Int("audience", len(recipients)).Msg("end users qualifying for campaign")
	if len(recipients) == 0 {
		return res, nil
	}

	if !p.Production {
		recipients = p.testAudience(c, recipients)
		logger.Info().Str("to", recipients[0].Email).Msg("non-production run, sending a single test email")
	}

	outcomes := p.Dispatcher.Dispatch(ctx, recipients, func(r audience.Recipient) (email.Message, error) {
		body, err := renderer.Render(r.Vars)
		if err != nil {
			return email.Message{}, err
		}
		return skeleton.Message(r.ID, r.Email, body), nil
	})

	failed := outcomes.Failed()
	res.Sent = len(outcomes) - len(failed)
	res.Failed = len(failed)
	if len(outcomes) > 0 && len(failed) == len(outcomes) {
		return res, &ResourceError{CampaignID: id, Reason: "every send failed", Err: failed[0].Err}
	}
	if len(failed) > 0 {
		logger.Warn().Int("failed", len(failed)).Int("sent", res.Sent).Msg("campaign sent with failures")
	}
	return res, nil
}

func compileAudience(c Campaign) (audience.Query, error) {
	consent, err := audience.ConsentFor(c.Type)
	if err != nil {
		return audience.Query{}, err
	}
	spec, err := audience.ParseFilterSpec(c.Filters)
	if err != nil {
		return audience.Query{}, err
	}
	return audience.Compile(spec, audience.Scope{BusinessID: c.BusinessID, Consent: consent})
}

func (p *Processor) testAudience(c Campaign, recipients []audience.Recipient) []audience.Recipient {
	first := recipients[0]
	first.Email = c.CreatorEmail
	if p.TestRecipient != "" {
		first.Email = p.TestRecipient
	}
	return []audience.Recipient{first}
}

// IsValidation reports whether err came from a malformed campaign definition.
func IsValidation(err error) bool {
	var verr *audience.ValidationError
	return errors.As(err, &verr)
}
