package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"notifyd/internal/notification"
	"notifyd/internal/payload"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"
)

// SNSDriver delivers through AWS SNS mobile push. Credentials come from the
// default AWS chain; PlatformApplications maps "<brand>/<platform>" to a
// platform application ARN.
type SNSDriver struct {
	Region               string
	PlatformApplications map[string]string
}

func (SNSDriver) Name() string              { return "sns" }
func (SNSDriver) NeedsCredentialFile() bool { return false }

func (d SNSDriver) Open(ctx context.Context, brand, _ string) (App, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(d.Region))
	if err != nil {
		return nil, err
	}
	arns := map[notification.Platform]string{}
	for k, arn := range d.PlatformApplications {
		b, p, ok := strings.Cut(k, "/")
		if ok && normBrand(b) == brand {
			arns[notification.ParsePlatform(p)] = arn
		}
	}
	if len(arns) == 0 {
		return nil, fmt.Errorf("sns: no platform applications for brand %q", brand)
	}
	return &snsApp{client: NewSNSClient(sns.NewFromConfig(cfg), arns)}, nil
}

type snsApp struct {
	client *SNSClient
}

func (a *snsApp) Client(context.Context) (Client, error) { return a.client, nil }

// snsAPI is the subset of *sns.Client used here.
type snsAPI interface {
	CreatePlatformEndpoint(ctx context.Context, in *sns.CreatePlatformEndpointInput, optFns ...func(*sns.Options)) (*sns.CreatePlatformEndpointOutput, error)
	Publish(ctx context.Context, in *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

type SNSClient struct {
	api  snsAPI
	arns map[notification.Platform]string

	// endpoints caches token -> endpoint ARN.
	endpoints sync.Map
}

func NewSNSClient(api snsAPI, arns map[notification.Platform]string) *SNSClient {
	return &SNSClient{api: api, arns: arns}
}

func (c *SNSClient) Send(ctx context.Context, msg *payload.Message) (string, error) {
	if msg == nil {
		return "", errors.New("sns: nil message")
	}
	endpoint, err := c.endpoint(ctx, msg.Platform, msg.Token)
	if err != nil {
		return "", classifySNS(err)
	}
	body, err := snsMessage(msg)
	if err != nil {
		return "", err
	}
	out, err := c.api.Publish(ctx, &sns.PublishInput{
		TargetArn:        aws.String(endpoint),
		MessageStructure: aws.String("json"),
		Message:          aws.String(body),
	})
	if err != nil {
		var disabled *types.EndpointDisabledException
		if errors.As(err, &disabled) {
			c.endpoints.Delete(msg.Token)
		}
		return "", classifySNS(err)
	}
	return aws.ToString(out.MessageId), nil
}

func (c *SNSClient) endpoint(ctx context.Context, p notification.Platform, token string) (string, error) {
	if v, ok := c.endpoints.Load(token); ok {
		return v.(string), nil
	}
	arn, ok := c.arns[p]
	if !ok {
		return "", fmt.Errorf("sns: no platform application for %q", string(p))
	}
	out, err := c.api.CreatePlatformEndpoint(ctx, &sns.CreatePlatformEndpointInput{
		PlatformApplicationArn: aws.String(arn),
		Token:                  aws.String(token),
	})
	if err != nil {
		return "", err
	}
	ep := aws.ToString(out.EndpointArn)
	c.endpoints.Store(token, ep)
	return ep, nil
}

// snsMessage renders the per-transport JSON envelope SNS expects with
// MessageStructure=json.
func snsMessage(msg *payload.Message) (string, error) {
	env := map[string]string{}
	switch msg.Platform {
	case notification.PlatformIOS:
		aps := map[string]any{}
		if msg.Alert != nil {
			aps["alert"] = map[string]string{"title": msg.Alert.Title, "body": msg.Alert.Body}
			aps["sound"] = msg.Alert.Sound
			aps["badge"] = msg.Alert.Badge
			env["default"] = msg.Alert.Body
		}
		doc := map[string]any{"aps": aps}
		for k, v := range msg.Data {
			doc[k] = v
		}
		b, err := json.Marshal(doc)
		if err != nil {
			return "", err
		}
		env["APNS"] = string(b)
		env["APNS_SANDBOX"] = string(b)
	default:
		doc := map[string]any{
			"data":     msg.Data,
			"priority": msg.Priority,
		}
		if msg.CollapseKey != "" {
			doc["collapse_key"] = msg.CollapseKey
		}
		if msg.TTL > 0 {
			doc["time_to_live"] = int64(msg.TTL.Seconds())
		}
		b, err := json.Marshal(doc)
		if err != nil {
			return "", err
		}
		env["GCM"] = string(b)
		env["default"] = msg.Data["body"]
	}
	out, err := json.Marshal(env)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

func classifySNS(err error) error {
	var (
		internal  *types.InternalErrorException
		throttled *types.ThrottledException
		disabled  *types.EndpointDisabledException
	)
	return &SendError{
		Err:          err,
		Retryable:    errors.As(err, &internal) || errors.As(err, &throttled),
		Unregistered: errors.As(err, &disabled),
	}
}
