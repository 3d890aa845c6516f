package alerting

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/errorutils"
	"firebase.google.com/go/v4/messaging"
	"github.com/rs/zerolog"
	"google.golang.org/api/option"
)

// ErrInvalidToken 表示设备 token 已失效, 不应再推送。
var ErrInvalidToken = errors.New("fcm: registration token is not valid")

// Message 是一次推送的内容。
type Message struct {
	Token     string
	Title     string
	Body      string
	Data      map[string]string
	TTL       time.Duration
	ChannelID string
	// Silent 表示仅下发 data, 不展示通知。
	Silent bool
}

// Sender 定义推送输送接口。
type Sender interface {
	// Enabled reports whether messages actually leave the process.
	Enabled() bool
	Send(ctx context.Context, msg Message) error
	// SendEach pushes msg to every token and reports one error per token,
	// in token order. msg.Token is ignored.
	SendEach(ctx context.Context, tokens []string, msg Message) ([]error, error)
}

// FCMOptions 配置 Firebase messaging 客户端。
type FCMOptions struct {
	ProjectID       string
	CredentialsFile string
	CredentialsJSON []byte
	Timeout         time.Duration
	// ClientOptions are appended after the credentials, tests use them to
	// inject an HTTP client.
	ClientOptions []option.ClientOption
	Now           func() time.Time
}

// FCMSender 通过 Firebase Admin SDK 推送消息。
// 未配置时为 nil, 所有方法均为空操作。
type FCMSender struct {
	client  *messaging.Client
	timeout time.Duration
	now     func() time.Time
	logger  zerolog.Logger
}

// NewFCMSender 构造 FCM 推送器。没有项目或凭据时返回 nil。
func NewFCMSender(ctx context.Context, opts FCMOptions, logger zerolog.Logger) (*FCMSender, error) {
	if opts.ProjectID == "" {
		return nil, nil
	}

	var clientOpts []option.ClientOption
	switch {
	case len(opts.CredentialsJSON) > 0:
		clientOpts = append(clientOpts, option.WithCredentialsJSON(opts.CredentialsJSON))
	case opts.CredentialsFile != "":
		clientOpts = append(clientOpts, option.WithCredentialsFile(opts.CredentialsFile))
	case len(opts.ClientOptions) == 0:
		return nil, nil
	}
	clientOpts = append(clientOpts, opts.ClientOptions...)

	app, err := firebase.NewApp(ctx, &firebase.Config{ProjectID: opts.ProjectID}, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("init firebase app: %w", err)
	}
	client, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("init firebase messaging: %w", err)
	}

	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &FCMSender{
		client:  client,
		timeout: opts.Timeout,
		now:     opts.Now,
		logger:  logger.With().Str("component", "fcm_sender").Logger(),
	}, nil
}

// Enabled reports whether pushes are actually sent.
func (s *FCMSender) Enabled() bool {
	return s != nil
}

// Send 推送单条消息。
func (s *FCMSender) Send(ctx context.Context, msg Message) error {
	if s == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	m := s.render(msg)
	if _, err := s.client.Send(ctx, &messaging.Message{
		Token:        msg.Token,
		Data:         m.Data,
		Notification: m.Notification,
		Android:      m.Android,
		APNS:         m.APNS,
	}); err != nil {
		return classify(err)
	}
	return nil
}

// SendEach 通过 SendEachForMulticast 批量推送, tokens 不得超过 500 个。
func (s *FCMSender) SendEach(ctx context.Context, tokens []string, msg Message) ([]error, error) {
	errs := make([]error, len(tokens))
	if s == nil || len(tokens) == 0 {
		return errs, nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	m := s.render(msg)
	m.Tokens = tokens
	batch, err := s.client.SendEachForMulticast(ctx, m)
	if err != nil {
		return nil, fmt.Errorf("fcm multicast: %w", err)
	}
	for i, r := range batch.Responses {
		if i < len(errs) && !r.Success {
			errs[i] = classify(r.Error)
		}
	}
	s.logger.Debug().
		Int("success", batch.SuccessCount).
		Int("failure", batch.FailureCount).
		Msg("multicast sent")
	return errs, nil
}

// render builds the platform blocks shared by single and multicast sends.
func (s *FCMSender) render(msg Message) *messaging.MulticastMessage {
	ttl := msg.TTL
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}

	out := &messaging.MulticastMessage{
		Data: msg.Data,
		Android: &messaging.AndroidConfig{
			Priority: "high",
			TTL:      &ttl,
		},
		APNS: &messaging.APNSConfig{Headers: map[string]string{
			"apns-expiration": strconv.FormatInt(s.now().Add(ttl).Unix(), 10),
		}},
	}

	if msg.Silent {
		out.APNS.Headers["apns-priority"] = "5"
		out.APNS.Headers["apns-push-type"] = "background"
		out.APNS.Payload = &messaging.APNSPayload{Aps: &messaging.Aps{ContentAvailable: true}}
		return out
	}

	out.Notification = &messaging.Notification{Title: msg.Title, Body: msg.Body}
	out.Android.Notification = &messaging.AndroidNotification{ChannelID: msg.ChannelID}
	out.APNS.Headers["apns-priority"] = "10"
	out.APNS.Payload = &messaging.APNSPayload{Aps: &messaging.Aps{Sound: "default"}}
	return out
}

// classify maps dead-token responses onto ErrInvalidToken.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if invalidToken(err) {
		return fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return fmt.Errorf("fcm send: %w", err)
}

func invalidToken(err error) bool {
	if messaging.IsUnregistered(err) {
		return true
	}
	return errorutils.IsInvalidArgument(err) && strings.Contains(strings.ToLower(err.Error()), "registration token")
}

var _ Sender = (*FCMSender)(nil)
