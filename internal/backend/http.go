package backend

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"golang.org/x/time/rate"

	"edunotify/internal/notification"
	logx "edunotify/pkg/logx"
)

// Endpoint paths relative to Config.BaseURL.
const (
	pathRegister    = "/notifications/push/register"
	pathUnregister  = "/notifications/push/unregister"
	pathPending     = "/notifications/pending"
	pathDelivered   = "/notifications/{id}/delivered"
	pathSendTest    = "/notifications/push/test"
	defaultTimeout  = 10 * time.Second
	defaultRatePerS = 5
)

type Config struct {
	BaseURL    string
	AuthToken  string
	Timeout    time.Duration
	RatePerSec int
}

// envelope is the backend's standard response wrapper.
type envelope[T any] struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Data    T      `json:"data"`
}

// HTTPClient implements Backend over the REST API.
type HTTPClient struct {
	rc      *resty.Client
	limiter *rate.Limiter
	log     logx.Logger
}

var _ Backend = (*HTTPClient)(nil)

func NewHTTPClient(cfg Config, log logx.Logger) (*HTTPClient, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, errors.New("backend.base_url is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = defaultRatePerS
	}

	rc := resty.New().
		SetBaseURL(base).
		SetTimeout(cfg.Timeout).
		SetHeader("Accept", "application/json").
		SetHeader("Content-Type", "application/json")
	if tok := strings.TrimSpace(cfg.AuthToken); tok != "" {
		rc.SetAuthToken(tok)
	}
	return &HTTPClient{
		rc:      rc,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec),
		log:     log,
	}, nil
}

func (c *HTTPClient) request(ctx context.Context) (*resty.Request, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return c.rc.R().SetContext(ctx), nil
}

func checkResponse(op string, resp *resty.Response, err error, ok bool, msg string) error {
	if err != nil {
		return err
	}
	if resp.IsError() {
		return &StatusError{Op: op, Code: resp.StatusCode(), Message: msg}
	}
	if !ok {
		return &StatusError{Op: op, Code: http.StatusUnprocessableEntity, Message: msg}
	}
	return nil
}

func (c *HTTPClient) RegisterToken(ctx context.Context, req RegisterRequest) error {
	r, err := c.request(ctx)
	if err != nil {
		return err
	}
	var out envelope[struct{}]
	resp, err := r.SetBody(req).SetResult(&out).SetError(&out).Post(pathRegister)
	return checkResponse("register", resp, err, out.Success, out.Message)
}

func (c *HTTPClient) UnregisterToken(ctx context.Context, userID string) error {
	r, err := c.request(ctx)
	if err != nil {
		return err
	}
	var out envelope[struct{}]
	resp, err := r.SetBody(map[string]string{"userId": userID}).SetResult(&out).SetError(&out).Post(pathUnregister)
	return checkResponse("unregister", resp, err, out.Success, out.Message)
}

// FetchPending returns pending notifications in backend order. Entries that
// fail validation are dropped and logged.
func (c *HTTPClient) FetchPending(ctx context.Context, userID string) ([]notification.Notification, error) {
	r, err := c.request(ctx)
	if err != nil {
		return nil, err
	}
	var out envelope[[]notification.Notification]
	resp, err := r.SetQueryParam("userId", userID).SetResult(&out).SetError(&out).Get(pathPending)
	if err := checkResponse("pending", resp, err, out.Success, out.Message); err != nil {
		return nil, err
	}
	valid := make([]notification.Notification, 0, len(out.Data))
	for _, n := range out.Data {
		if err := notification.Validate(n); err != nil {
			c.log.Warn("dropping invalid pending notification", logx.String("id", n.ID), logx.Err(err))
			continue
		}
		valid = append(valid, n)
	}
	return valid, nil
}

func (c *HTTPClient) MarkDelivered(ctx context.Context, notificationID string) error {
	r, err := c.request(ctx)
	if err != nil {
		return err
	}
	var out envelope[struct{}]
	resp, err := r.SetPathParam("id", notificationID).
		SetBody(map[string]string{"notificationId": notificationID}).
		SetResult(&out).SetError(&out).
		Post(pathDelivered)
	return checkResponse("delivered", resp, err, out.Success, out.Message)
}

func (c *HTTPClient) SendTest(ctx context.Context, req TestRequest) (string, error) {
	r, err := c.request(ctx)
	if err != nil {
		return "", err
	}
	var out envelope[struct {
		ID string `json:"id"`
	}]
	resp, err := r.SetBody(req).SetResult(&out).SetError(&out).Post(pathSendTest)
	if err := checkResponse("test", resp, err, out.Success, out.Message); err != nil {
		return "", err
	}
	return out.Data.ID, nil
}
