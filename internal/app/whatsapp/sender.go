package whatsapp

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	json "github.com/goccy/go-json"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/time/rate"

	"github.com/coachpo/gestion360/errs"
	"github.com/coachpo/gestion360/internal/domain/quota"
	"github.com/coachpo/gestion360/internal/domain/schema"
	"github.com/coachpo/gestion360/internal/infra/bus/eventbus"
	"github.com/coachpo/gestion360/internal/infra/telemetry"
	"github.com/coachpo/gestion360/internal/observability"
)

const (
	defaultGraphBaseURL   = "https://graph.facebook.com"
	defaultSendTimeout    = 10 * time.Second
	defaultSendRate       = 20
	defaultSendBurst      = 5
	defaultSendAttempts   = 3
	defaultInitialBackoff = 200 * time.Millisecond
	maxErrorBody          = 64 << 10
)

// Credentials are the Cloud API settings stored in the WHATSAPP quota record config.
type Credentials struct {
	Token             string `json:"token"`
	APIVersion        string `json:"apiVersion"`
	CellphoneNumberID string `json:"cellphoneNumberId"`
	IsActive          *bool  `json:"isActive,omitempty"`
}

// ParseCredentials decodes and validates the stored config blob.
func ParseCredentials(raw string) (Credentials, error) {
	var creds Credentials
	if strings.TrimSpace(raw) == "" {
		raw = "{}"
	}
	if err := json.Unmarshal([]byte(raw), &creds); err != nil {
		return Credentials{}, errs.New("whatsapp/credentials", errs.CodeUnavailable,
			errs.WithMessage("whatsapp settings are not valid json"), errs.WithCause(err))
	}
	if creds.IsActive != nil && !*creds.IsActive {
		return Credentials{}, errs.New("whatsapp/credentials", errs.CodeUnavailable,
			errs.WithMessage("whatsapp integration disabled"))
	}
	var missing []string
	if strings.TrimSpace(creds.Token) == "" {
		missing = append(missing, "token")
	}
	if strings.TrimSpace(creds.APIVersion) == "" {
		missing = append(missing, "apiVersion")
	}
	if strings.TrimSpace(creds.CellphoneNumberID) == "" {
		missing = append(missing, "cellphoneNumberId")
	}
	if len(missing) > 0 {
		return Credentials{}, errs.New("whatsapp/credentials", errs.CodeUnavailable,
			errs.WithMessage("whatsapp settings missing "+strings.Join(missing, ", ")))
	}
	return creds, nil
}

// SenderConfig tunes outbound delivery.
type SenderConfig struct {
	BaseURL        string
	Timeout        time.Duration
	RatePerSecond  float64
	Burst          int
	MaxAttempts    uint
	InitialBackoff time.Duration
}

func (c SenderConfig) normalize() SenderConfig {
	c.BaseURL = strings.TrimRight(strings.TrimSpace(c.BaseURL), "/")
	if c.BaseURL == "" {
		c.BaseURL = defaultGraphBaseURL
	}
	if c.Timeout <= 0 {
		c.Timeout = defaultSendTimeout
	}
	if c.RatePerSecond <= 0 {
		c.RatePerSecond = defaultSendRate
	}
	if c.Burst <= 0 {
		c.Burst = defaultSendBurst
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = defaultSendAttempts
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = defaultInitialBackoff
	}
	return c
}

// SendResult is returned to the HTTP caller after a successful send.
type SendResult struct {
	Success        bool   `json:"success"`
	MessageID      string `json:"messageId"`
	RemainingCount int64  `json:"remainingCount"`
	IsUnlimited    bool   `json:"isUnlimited"`
}

// Sender sends text messages through the Graph API, charging one quota unit per message.
type Sender struct {
	quota   *quota.Service
	bus     eventbus.Bus
	client  *http.Client
	limiter *rate.Limiter
	cfg     SenderConfig
	clock   func() time.Time

	sendCounter metric.Int64Counter
}

// NewSender wires a sender. A nil client gets a default client with cfg.Timeout.
func NewSender(cfg SenderConfig, quotas *quota.Service, bus eventbus.Bus, client *http.Client) *Sender {
	cfg = cfg.normalize()
	if client == nil {
		client = new(http.Client)
		client.Timeout = cfg.Timeout
	}
	sender := &Sender{
		quota:   quotas,
		bus:     bus,
		client:  client,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.Burst),
		cfg:     cfg,
		clock:   time.Now,
	}
	sender.sendCounter, _ = otel.Meter("whatsapp").Int64Counter("whatsapp.messages.sent",
		metric.WithDescription("Outbound WhatsApp sends by result"),
		metric.WithUnit("{message}"))
	return sender
}

type graphTextRequest struct {
	MessagingProduct string `json:"messaging_product"`
	To               string `json:"to"`
	Type             string `json:"type"`
	Text             struct {
		Body string `json:"body"`
	} `json:"text"`
}

type graphResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
	Error *struct {
		Message string `json:"message"`
		Code    int    `json:"code"`
	} `json:"error,omitempty"`
}

// SendText charges the WHATSAPP quota, sends message to phone and refunds the unit when the
// provider rejects or never accepts it.
func (s *Sender) SendText(ctx context.Context, phone, message string) (res SendResult, err error) {
	phone = strings.TrimSpace(phone)
	if phone == "" || strings.TrimSpace(message) == "" {
		return SendResult{}, errs.New("whatsapp/send", errs.CodeInvalid, errs.WithMessage("message and phoneNumber are required"))
	}
	defer func() {
		result := telemetry.ResultSuccess
		if err != nil {
			result = telemetry.ResultError
		}
		if s.sendCounter != nil {
			s.sendCounter.Add(ctx, 1, metric.WithAttributes(
				telemetry.OperationResultAttributes(telemetry.Environment(), "send_text", result)...))
		}
	}()

	rec, err := s.quota.Get(ctx, quota.CategoryWhatsApp)
	if err != nil {
		return SendResult{}, err
	}
	creds, err := ParseCredentials(rec.Config)
	if err != nil {
		return SendResult{}, err
	}

	charged, err := s.quota.VerifyAndDecrement(ctx, quota.CategoryWhatsApp, 1)
	if err != nil {
		return SendResult{}, err
	}

	messageID, err := s.deliver(ctx, creds, phone, message)
	if err != nil {
		s.refund(ctx, charged, phone, err)
		return SendResult{}, err
	}

	now := s.clock().UTC()
	outbound := schema.MessageEvent{
		MessageID:      messageID,
		WaID:           phone,
		ContactName:    "+" + strings.TrimPrefix(phone, "+"),
		PhoneNumberID:  creds.CellphoneNumberID,
		Direction:      schema.DirectionOutbound,
		MessageType:    "text",
		Content:        message,
		ConversationID: ConversationID(phone),
		ReceivedAt:     now,
	}
	if perr := s.bus.Publish(ctx, schema.TopicMessageReceived, outbound); perr != nil {
		observability.Log().Warn("outbound message event not published", observability.Err(perr))
	}

	return SendResult{
		Success:        true,
		MessageID:      messageID,
		RemainingCount: charged.RemainingCount,
		IsUnlimited:    charged.IsUnlimited,
	}, nil
}

func (s *Sender) deliver(ctx context.Context, creds Credentials, phone, message string) (string, error) {
	var payload graphTextRequest
	payload.MessagingProduct = "whatsapp"
	payload.To = phone
	payload.Type = "text"
	payload.Text.Body = message
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encode graph request: %w", err)
	}
	url := fmt.Sprintf("%s/%s/%s/messages", s.cfg.BaseURL, creds.APIVersion, creds.CellphoneNumberID)

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = s.cfg.InitialBackoff
	policy.MaxInterval = 5 * s.cfg.InitialBackoff

	return backoff.Retry(ctx, func() (string, error) {
		if err := s.limiter.Wait(ctx); err != nil {
			return "", backoff.Permanent(fmt.Errorf("send throttle: %w", err))
		}
		return s.post(ctx, url, creds.Token, body)
	}, backoff.WithBackOff(policy), backoff.WithMaxTries(s.cfg.MaxAttempts))
}

// post performs one Graph API call. Errors not wrapped in backoff.Permanent are retried.
func (s *Sender) post(ctx context.Context, url, token string, body []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", backoff.Permanent(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", backoff.Permanent(ctx.Err())
		}
		return "", errs.New("whatsapp/send", errs.CodeUnavailable,
			errs.WithMessage("graph api unreachable"), errs.WithCause(err))
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if err != nil {
		return "", errs.New("whatsapp/send", errs.CodeUnavailable,
			errs.WithMessage("graph api response unreadable"), errs.WithCause(err))
	}

	var decoded graphResponse
	_ = json.Unmarshal(raw, &decoded)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		reason := http.StatusText(resp.StatusCode)
		if decoded.Error != nil && decoded.Error.Message != "" {
			reason = decoded.Error.Message
		}
		failure := errs.New("whatsapp/send", errs.CodeDelivery,
			errs.WithMessage(fmt.Sprintf("graph api status %d: %s", resp.StatusCode, reason)),
			errs.WithField("status", fmt.Sprint(resp.StatusCode)))
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return "", failure
		}
		return "", backoff.Permanent(failure)
	}

	if len(decoded.Messages) == 0 || decoded.Messages[0].ID == "" {
		return fmt.Sprintf("msg_%d", s.clock().UnixMilli()), nil
	}
	return decoded.Messages[0].ID, nil
}

// refund returns the charged unit and reports the failed send.
func (s *Sender) refund(ctx context.Context, charged quota.Result, phone string, cause error) {
	// The refund must land even when the caller has gone away.
	refundCtx := context.WithoutCancel(ctx)
	if !charged.IsUnlimited {
		if _, err := s.quota.Rollback(refundCtx, quota.CategoryWhatsApp, charged.DecrementedAmount); err != nil {
			observability.Log().Error("quota refund failed",
				observability.F("category", string(quota.CategoryWhatsApp)),
				observability.F("amount", charged.DecrementedAmount),
				observability.Err(err))
		}
	}
	observability.Log().Warn("whatsapp send failed",
		observability.F("to", phone), observability.Err(cause))
	if err := s.bus.Publish(refundCtx, schema.TopicProcessingError, schema.ProcessingError{
		Source:     "whatsapp.send",
		Message:    cause.Error(),
		Context:    map[string]string{"to": phone, "refunded": fmt.Sprint(!charged.IsUnlimited)},
		OccurredAt: s.clock().UTC(),
	}); err != nil {
		observability.Log().Debug("send failure not published", observability.Err(err))
	}
}
