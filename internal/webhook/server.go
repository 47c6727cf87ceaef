package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/example/campaign-mailer/internal/common"
)

const (
	typeNotification      = "Notification"
	typeSubscription      = "SubscriptionConfirmation"
	typeUnsubscription    = "UnsubscribeConfirmation"
	defaultSubscribeHosts = "amazonaws.com"
	maxBodyBytes          = 256 << 10
)

var eventCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "mailer_webhook_events_total",
	Help: "SNS deliveries received by the webhook",
}, []string{"type", "status"})

type Publisher interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// Server receives SES notifications pushed by SNS over HTTP and forwards the
// raw deliveries to Kafka, where the notification loop picks them up.
type Server struct {
	Producer   Publisher
	HTTPClient *http.Client
	// SubscribeHostSuffix restricts which hosts subscription confirmations
	// may point at. Defaults to amazonaws.com.
	SubscribeHostSuffix string
	Logger              zerolog.Logger
}

type snsMessage struct {
	Type         string `json:"Type"`
	MessageID    string `json:"MessageId"`
	TopicArn     string `json:"TopicArn"`
	Message      string `json:"Message"`
	SubscribeURL string `json:"SubscribeURL"`
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Post("/v1/providers/ses/notifications", s.handle)
	return r
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("webhook").Start(r.Context(), "sns-delivery")
	defer span.End()

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		s.respondErr(ctx, w, "unknown", http.StatusBadRequest, err)
		return
	}
	var msg snsMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		s.respondErr(ctx, w, "unknown", http.StatusBadRequest, err)
		return
	}
	if err := s.validate(msg); err != nil {
		s.respondErr(ctx, w, msg.Type, http.StatusBadRequest, err)
		return
	}
	span.SetAttributes(attribute.String("sns.message_id", msg.MessageID), attribute.String("sns.type", msg.Type))

	switch msg.Type {
	case typeSubscription:
		if err := s.confirm(ctx, msg.SubscribeURL); err != nil {
			s.respondErr(ctx, w, msg.Type, http.StatusBadGateway, err)
			return
		}
		s.Logger.Info().Str("topic_arn", msg.TopicArn).Msg("sns subscription confirmed")
		w.WriteHeader(http.StatusOK)
	case typeUnsubscription:
		s.Logger.Warn().Str("topic_arn", msg.TopicArn).Msg("sns subscription removed")
		w.WriteHeader(http.StatusOK)
	default:
		if err := s.Producer.WriteMessages(ctx, kafka.Message{
			Key:   []byte(msg.MessageID),
			Value: body,
		}); err != nil {
			s.respondErr(ctx, w, msg.Type, http.StatusInternalServerError, err)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}
	eventCounter.WithLabelValues(msg.Type, "ok").Inc()
}

func (s *Server) validate(msg snsMessage) error {
	if msg.MessageID == "" {
		return errors.New("MessageId is required")
	}
	switch msg.Type {
	case typeNotification:
		if msg.Message == "" {
			return errors.New("Message is required")
		}
	case typeSubscription:
		return s.checkSubscribeURL(msg.SubscribeURL)
	case typeUnsubscription:
	case "":
		return errors.New("Type is required")
	default:
		return fmt.Errorf("unsupported message type %q", msg.Type)
	}
	return nil
}

func (s *Server) checkSubscribeURL(raw string) error {
	if raw == "" {
		return errors.New("SubscribeURL is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid SubscribeURL: %w", err)
	}
	suffix := s.SubscribeHostSuffix
	if suffix == "" {
		suffix = defaultSubscribeHosts
	}
	host := u.Hostname()
	if u.Scheme != "https" || (host != suffix && !strings.HasSuffix(host, "."+suffix)) {
		return fmt.Errorf("SubscribeURL host %q is not trusted", host)
	}
	return nil
}

func (s *Server) confirm(ctx context.Context, subscribeURL string) error {
	client := s.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, subscribeURL, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("confirm subscription: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("confirm subscription: %s", resp.Status)
	}
	return nil
}

func (s *Server) respondErr(ctx context.Context, w http.ResponseWriter, msgType string, status int, err error) {
	logger := common.WithContext(ctx, s.Logger)
	logger.Error().Err(err).Int("status", status).Msg("webhook handler error")
	if msgType == "" {
		msgType = "unknown"
	}
	eventCounter.WithLabelValues(msgType, "error").Inc()
	http.Error(w, err.Error(), status)
}
