package transport

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"

	"github.com/primestrides/outreach/internal/config"
)

// SESSender delivers through AWS SES using the SDK v2. All pool accounts
// must be verified identities in the SES account.
type SESSender struct {
	client *sesv2.Client
}

// NewSESSender creates an SES sender from configuration. Credentials come
// from the named environment variables, falling back to the default AWS
// chain when unset.
func NewSESSender(cfg config.SESConfig) (*SESSender, error) {
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}
	accessKey := os.Getenv(cfg.AccessKeyEnv)
	secretKey := os.Getenv(cfg.SecretKeyEnv)
	if accessKey != "" && secretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(accessKey, secretKey, "")))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), opts...)
	if err != nil {
		return nil, fmt.Errorf("ses config: %w", err)
	}
	return &SESSender{client: sesv2.NewFromConfig(awsCfg)}, nil
}

func (s *SESSender) Name() string { return "ses" }

// Send delivers a single email through SES.
func (s *SESSender) Send(ctx context.Context, msg *Message) (*Result, error) {
	from := msg.Account.Email
	if msg.Account.SenderName != "" {
		from = fmt.Sprintf("%s <%s>", msg.Account.SenderName, msg.Account.Email)
	}

	input := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(from),
		Destination:      &types.Destination{ToAddresses: []string{msg.Recipient}},
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{Data: aws.String(msg.Subject), Charset: aws.String("UTF-8")},
				Body:    &types.Body{},
			},
		},
		ReplyToAddresses: []string{msg.Account.Email},
	}
	if msg.HTMLBody != "" {
		input.Content.Simple.Body.Html = &types.Content{Data: aws.String(msg.HTMLBody), Charset: aws.String("UTF-8")}
	}
	if msg.TextBody != "" {
		input.Content.Simple.Body.Text = &types.Content{Data: aws.String(msg.TextBody), Charset: aws.String("UTF-8")}
	}
	if msg.InReplyTo != "" {
		refs := msg.References
		if refs == "" {
			refs = msg.InReplyTo
		}
		input.Content.Simple.Headers = []types.MessageHeader{
			{Name: aws.String("In-Reply-To"), Value: aws.String(msg.InReplyTo)},
			{Name: aws.String("References"), Value: aws.String(refs)},
		}
	}

	out, err := s.client.SendEmail(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("ses send from %s: %w", msg.Account.Email, err)
	}

	messageID := ""
	if out.MessageId != nil {
		messageID = *out.MessageId
	}
	return &Result{MessageID: messageID, Via: s.Name(), SentAt: time.Now()}, nil
}
