package email

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/ses/types"
)

type SESClient interface {
	SendRawEmail(ctx context.Context, params *ses.SendRawEmailInput, optFns ...func(*ses.Options)) (*ses.SendRawEmailOutput, error)
}

// SESProvider sends raw MIME messages. Every message is tagged with its
// campaign id under MessageTag so SES events can be grouped per campaign.
type SESProvider struct {
	Client           SESClient
	MessageTag       string
	ConfigurationSet string
}

func (p *SESProvider) Name() string { return "ses" }

func (p *SESProvider) Send(ctx context.Context, msg Message) (string, error) {
	raw, err := msg.Raw()
	if err != nil {
		return "", err
	}

	input := &ses.SendRawEmailInput{
		RawMessage:   &types.RawMessage{Data: raw},
		Source:       aws.String(msg.From),
		Destinations: []string{msg.To},
	}
	if p.MessageTag != "" {
		input.Tags = []types.MessageTag{{
			Name:  aws.String(p.MessageTag),
			Value: aws.String(strconv.FormatInt(msg.CampaignID, 10)),
		}}
	}
	if p.ConfigurationSet != "" {
		input.ConfigurationSetName = aws.String(p.ConfigurationSet)
	}

	out, err := p.Client.SendRawEmail(ctx, input)
	if err != nil {
		return "", fmt.Errorf("ses send raw email: %w", err)
	}
	if out == nil || out.MessageId == nil {
		return "", errors.New("ses send raw email: response without message id")
	}
	return *out.MessageId, nil
}
