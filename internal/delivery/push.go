package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	webpush "github.com/SherClockHolmes/webpush-go"
	"golang.org/x/time/rate"

	"storenotify/internal/apperr"
	"storenotify/internal/model"
	logx "storenotify/pkg/logx"
)

// ErrEndpointExpired reports a push endpoint the push service no longer
// accepts (HTTP 404/410). The subscription is deactivated.
var ErrEndpointExpired = errors.New("push endpoint expired")

// SubscriptionStore is the subscription subset of storage.
type SubscriptionStore interface {
	ActiveSubscriptions(ctx context.Context, userID string) ([]model.Subscription, error)
	DeactivateSubscription(ctx context.Context, endpoint string) error
}

// PushSender delivers one payload to one subscription.
type PushSender interface {
	Push(ctx context.Context, sub model.Subscription, payload []byte) error
}

type PushConfig struct {
	RatePerSec int
	Burst      int
}

// RemotePush is the first chain step. It applies only to users with at
// least one active subscription and succeeds when any endpoint accepts.
type RemotePush struct {
	subs   SubscriptionStore
	sender PushSender
	log    logx.Logger

	mu      sync.Mutex
	limiter *rate.Limiter
}

func NewRemotePush(subs SubscriptionStore, sender PushSender, cfg PushConfig, log logx.Logger) *RemotePush {
	if log.IsZero() {
		log = logx.Nop()
	}
	p := &RemotePush{subs: subs, sender: sender, log: log}
	p.Apply(cfg)
	return p
}

// Apply replaces the rate limit.
func (p *RemotePush) Apply(cfg PushConfig) {
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 20
	}
	if cfg.Burst <= 0 {
		cfg.Burst = cfg.RatePerSec
	}
	p.mu.Lock()
	p.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.Burst)
	p.mu.Unlock()
}

func (p *RemotePush) Name() model.SourceChannel { return model.SourceRemote }

type pushPayload struct {
	Title    string          `json:"title"`
	Body     string          `json:"body"`
	Kind     model.EventKind `json:"kind"`
	Category string          `json:"category"`
	URL      string          `json:"url,omitempty"`
	Data     map[string]any  `json:"data,omitempty"`
}

func (p *RemotePush) Send(ctx context.Context, userID string, ev model.Event) error {
	const op = "delivery.remote"
	subs, err := p.subs.ActiveSubscriptions(ctx, userID)
	if err != nil {
		return apperr.New(apperr.KindTransient, op, err)
	}
	if len(subs) == 0 {
		return apperr.Newf(apperr.KindPermission, op, "no active subscription")
	}
	payload, err := json.Marshal(pushPayload{
		Title: ev.Title, Body: ev.Body, Kind: ev.Kind, Category: ev.Category, URL: ev.TargetURL, Data: ev.Payload,
	})
	if err != nil {
		return apperr.New(apperr.KindDataIntegrity, op, err)
	}

	p.mu.Lock()
	lim := p.limiter
	p.mu.Unlock()

	var errs []error
	delivered := 0
	for _, sub := range subs {
		if err := lim.Wait(ctx); err != nil {
			errs = append(errs, err)
			break
		}
		err := p.sender.Push(ctx, sub, payload)
		switch {
		case err == nil:
			delivered++
		case errors.Is(err, ErrEndpointExpired):
			if derr := p.subs.DeactivateSubscription(ctx, sub.Endpoint); derr != nil {
				p.log.Warn("subscription deactivate failed", logx.String("user_id", userID), logx.Err(derr))
			} else {
				p.log.Info("expired push subscription deactivated", logx.String("user_id", userID))
			}
			errs = append(errs, err)
		default:
			errs = append(errs, err)
		}
	}
	if delivered > 0 {
		return nil
	}
	return apperr.New(apperr.KindTransient, op, errors.Join(errs...))
}

// WebPushConfig holds the VAPID identity.
type WebPushConfig struct {
	PublicKey  string
	PrivateKey string
	Subject    string
	TTL        time.Duration
	Timeout    time.Duration
}

// WebPush sends VAPID-signed web push messages.
type WebPush struct {
	cfg  WebPushConfig
	http *http.Client
}

func NewWebPush(cfg WebPushConfig) *WebPush {
	if cfg.TTL <= 0 {
		cfg.TTL = 24 * time.Hour
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &WebPush{cfg: cfg, http: &http.Client{Timeout: cfg.Timeout}}
}

func (w *WebPush) Push(ctx context.Context, sub model.Subscription, payload []byte) error {
	resp, err := webpush.SendNotificationWithContext(ctx, payload, &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys:     webpush.Keys{P256dh: sub.Keys.P256dh, Auth: sub.Keys.Auth},
	}, &webpush.Options{
		HTTPClient:      w.http,
		Subscriber:      w.cfg.Subject,
		VAPIDPublicKey:  w.cfg.PublicKey,
		VAPIDPrivateKey: w.cfg.PrivateKey,
		TTL:             int(w.cfg.TTL / time.Second),
		Urgency:         webpush.UrgencyNormal,
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
	return statusError(resp.StatusCode)
}

func statusError(code int) error {
	switch {
	case code == http.StatusNotFound || code == http.StatusGone:
		return fmt.Errorf("%w (status %d)", ErrEndpointExpired, code)
	case code >= 200 && code < 300:
		return nil
	default:
		return fmt.Errorf("push service returned status %d", code)
	}
}
