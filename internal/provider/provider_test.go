package provider

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"notifyd/internal/notification"
	"notifyd/internal/payload"
	"notifyd/pkg/logx"

	"firebase.google.com/go/v4/messaging"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubClient struct{ name string }

func (c *stubClient) Send(context.Context, *payload.Message) (string, error) { return c.name, nil }

type stubApp struct {
	client Client
	err    error
	calls  atomic.Int32
}

func (a *stubApp) Client(context.Context) (Client, error) {
	a.calls.Add(1)
	return a.client, a.err
}

type stubDriver struct {
	opened []string
}

func (d *stubDriver) Name() string              { return "stub" }
func (d *stubDriver) NeedsCredentialFile() bool { return true }
func (d *stubDriver) Open(_ context.Context, brand, file string) (App, error) {
	d.opened = append(d.opened, brand+"="+filepath.Base(file))
	if brand == "broken" {
		return nil, errors.New("bad credentials")
	}
	return &stubApp{client: &stubClient{name: brand}}, nil
}

func writeFile(t *testing.T, dir, name string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("{}"), 0o600))
}

func TestResolveCredentialFile(t *testing.T) {
	d1, d2 := t.TempDir(), t.TempDir()
	writeFile(t, d1, "acme.json")
	writeFile(t, d2, "acme-staging.json")

	assert.Equal(t, filepath.Join(d2, "acme-staging.json"), ResolveCredentialFile([]string{d1, d2}, "acme", "staging"))
	assert.Equal(t, filepath.Join(d1, "acme.json"), ResolveCredentialFile([]string{d1, d2}, "acme", "production"))
	assert.Equal(t, "", ResolveCredentialFile([]string{d1, d2}, "other", "staging"))
}

func TestRegistry_InitSkipsMissingAndBroken(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "acme-production.json")
	writeFile(t, dir, "broken.json")

	d := &stubDriver{}
	r := NewRegistry(d, logx.Nop())
	n := r.Init(context.Background(), Config{
		Environment:    "production",
		Brands:         []string{"acme", "ghost", "broken"},
		CredentialDirs: []string{dir},
	})
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"acme=acme-production.json", "broken=broken.json"}, d.opened)
	assert.Equal(t, []string{"acme"}, r.Brands())
}

func TestRegistry_LookupFallbackChain(t *testing.T) {
	ctx := context.Background()
	r := NewRegistry(&stubDriver{}, logx.Nop())
	r.Init(ctx, Config{Environment: "production", DefaultBrand: "main"})

	acme := &stubApp{client: &stubClient{name: "acme"}}
	main := &stubApp{client: &stubClient{name: "main"}}
	r.Register("ACME", acme)
	r.Register("main", main)

	c := r.Lookup(ctx, "acme")
	require.NotNil(t, c)
	id, _ := c.Send(ctx, nil)
	assert.Equal(t, "acme", id)

	// cached after the first resolve
	_ = r.Lookup(ctx, "acme")
	assert.Equal(t, int32(1), acme.calls.Load())

	c = r.Lookup(ctx, "unknown")
	require.NotNil(t, c)
	id, _ = c.Send(ctx, nil)
	assert.Equal(t, "main", id)

	failing := &stubApp{err: errors.New("boom")}
	r.Register("flaky", failing)
	c = r.Lookup(ctx, "flaky")
	require.NotNil(t, c)
	id, _ = c.Send(ctx, nil)
	assert.Equal(t, "main", id, "app errors fall back to the default client")
}

func TestRegistry_LookupNilWithoutDefault(t *testing.T) {
	r := NewRegistry(&stubDriver{}, logx.Nop())
	assert.Nil(t, r.Lookup(context.Background(), "acme"))
}

type fakeFCM struct {
	got *messaging.Message
	err error
}

func (f *fakeFCM) Send(_ context.Context, m *messaging.Message) (string, error) {
	f.got = m
	if f.err != nil {
		return "", f.err
	}
	return "projects/p/messages/0:1500415314455276%31bd1c9631bd1c96", nil
}

func TestFCMClient_IOSMapping(t *testing.T) {
	f := &fakeFCM{}
	c := NewFCMClient(f)
	_, err := c.Send(context.Background(), &payload.Message{
		Token:       "tok",
		Platform:    notification.PlatformIOS,
		Alert:       &payload.Alert{Title: "T", Body: "B", Sound: "default", Badge: 1},
		Data:        map[string]string{"metadata": "{}"},
		Priority:    "high",
		CollapseKey: "template-5",
	})
	require.NoError(t, err)
	require.NotNil(t, f.got.APNS)
	assert.Nil(t, f.got.Android)
	assert.Equal(t, "tok", f.got.Token)
	assert.Equal(t, "10", f.got.APNS.Headers["apns-priority"])
	assert.Equal(t, "template-5", f.got.APNS.Headers["apns-collapse-id"])
	assert.Equal(t, "T", f.got.APNS.Payload.Aps.Alert.Title)
	assert.Equal(t, 1, *f.got.APNS.Payload.Aps.Badge)
}

func TestFCMClient_AndroidMapping(t *testing.T) {
	f := &fakeFCM{}
	c := NewFCMClient(f)
	_, err := c.Send(context.Background(), &payload.Message{
		Token:       "tok",
		Platform:    notification.PlatformAndroid,
		Data:        map[string]string{"title": "T"},
		Priority:    "high",
		TTL:         time.Hour,
		CollapseKey: "template-5",
	})
	require.NoError(t, err)
	require.NotNil(t, f.got.Android)
	assert.Nil(t, f.got.APNS)
	assert.Nil(t, f.got.Notification)
	assert.Equal(t, "high", f.got.Android.Priority)
	assert.Equal(t, time.Hour, *f.got.Android.TTL)
	assert.Equal(t, "T", f.got.Data["title"])
}

func TestFCMClient_ErrorIsSendError(t *testing.T) {
	c := NewFCMClient(&fakeFCM{err: errors.New("plain failure")})
	_, err := c.Send(context.Background(), &payload.Message{Platform: notification.PlatformAndroid})
	var se *SendError
	require.ErrorAs(t, err, &se)
	assert.False(t, IsRetryable(err))
}

type fakeSNS struct {
	creates   int
	published []*sns.PublishInput
	pubErr    error
}

func (f *fakeSNS) CreatePlatformEndpoint(_ context.Context, in *sns.CreatePlatformEndpointInput, _ ...func(*sns.Options)) (*sns.CreatePlatformEndpointOutput, error) {
	f.creates++
	return &sns.CreatePlatformEndpointOutput{EndpointArn: aws.String("arn:endpoint/" + aws.ToString(in.Token))}, nil
}

func (f *fakeSNS) Publish(_ context.Context, in *sns.PublishInput, _ ...func(*sns.Options)) (*sns.PublishOutput, error) {
	if f.pubErr != nil {
		return nil, f.pubErr
	}
	f.published = append(f.published, in)
	return &sns.PublishOutput{MessageId: aws.String("7d2f0c9e-0000")}, nil
}

func TestSNSClient_PublishesJSONEnvelope(t *testing.T) {
	api := &fakeSNS{}
	c := NewSNSClient(api, map[notification.Platform]string{
		notification.PlatformAndroid: "arn:app/gcm",
	})
	msg := &payload.Message{
		Token:    "tok",
		Platform: notification.PlatformAndroid,
		Data:     map[string]string{"title": "T", "body": "B"},
		Priority: "high",
		TTL:      time.Hour,
	}
	id, err := c.Send(context.Background(), msg)
	require.NoError(t, err)
	assert.Equal(t, "7d2f0c9e-0000", id)

	_, err = c.Send(context.Background(), msg)
	require.NoError(t, err)
	assert.Equal(t, 1, api.creates, "endpoint is cached per token")

	require.Len(t, api.published, 2)
	in := api.published[0]
	assert.Equal(t, "arn:endpoint/tok", aws.ToString(in.TargetArn))
	assert.Equal(t, "json", aws.ToString(in.MessageStructure))

	var env map[string]string
	require.NoError(t, json.Unmarshal([]byte(aws.ToString(in.Message)), &env))
	assert.Equal(t, "B", env["default"])
	var gcm map[string]any
	require.NoError(t, json.Unmarshal([]byte(env["GCM"]), &gcm))
	assert.Equal(t, "high", gcm["priority"])
	assert.Equal(t, float64(3600), gcm["time_to_live"])
}

func TestSNSClient_Errors(t *testing.T) {
	c := NewSNSClient(&fakeSNS{}, nil)
	_, err := c.Send(context.Background(), &payload.Message{Token: "t", Platform: notification.PlatformIOS})
	require.Error(t, err)

	api := &fakeSNS{pubErr: &types.ThrottledException{Message: aws.String("slow down")}}
	c = NewSNSClient(api, map[notification.Platform]string{notification.PlatformIOS: "arn:app/apns"})
	_, err = c.Send(context.Background(), &payload.Message{Token: "t", Platform: notification.PlatformIOS, Alert: &payload.Alert{Body: "b"}})
	require.Error(t, err)
	assert.True(t, IsRetryable(err))
}
