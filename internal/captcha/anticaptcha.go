package captcha

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const (
	defaultBaseURL   = "https://api.anti-captcha.com"
	taskType         = "RecaptchaV2TaskProxyless"
	statusReady      = "ready"
	statusProcessing = "processing"
	timeoutSecs      = 30

	defaultFirstPoll    = 3 * time.Second
	defaultPollInterval = time.Second
	defaultMaxWait      = 120 * time.Second
)

// AntiCaptcha talks to the anti-captcha.com JSON API.
type AntiCaptcha struct {
	clientKey string
	baseURL   string
	http      *http.Client
	logger    zerolog.Logger

	// FirstPoll is the delay before the first result check, PollInterval the
	// delay between later ones. MaxWait bounds the whole wait.
	FirstPoll    time.Duration
	PollInterval time.Duration
	MaxWait      time.Duration
}

type AntiCaptchaOption func(*AntiCaptcha)

// WithBaseURL points the client at another API host.
func WithBaseURL(u string) AntiCaptchaOption {
	return func(a *AntiCaptcha) { a.baseURL = strings.TrimRight(u, "/") }
}

func WithHTTPClient(c *http.Client) AntiCaptchaOption {
	return func(a *AntiCaptcha) { a.http = c }
}

func WithSolverLogger(l zerolog.Logger) AntiCaptchaOption {
	return func(a *AntiCaptcha) { a.logger = l }
}

func NewAntiCaptcha(clientKey string, opts ...AntiCaptchaOption) (*AntiCaptcha, error) {
	key := strings.TrimSpace(clientKey)
	if key == "" {
		return nil, fmt.Errorf("%w: missing client key", ErrSolverRequestFailed)
	}
	a := &AntiCaptcha{
		clientKey:    key,
		baseURL:      defaultBaseURL,
		http:         &http.Client{Timeout: timeoutSecs * time.Second},
		logger:       zerolog.Nop(),
		FirstPoll:    defaultFirstPoll,
		PollInterval: defaultPollInterval,
		MaxWait:      defaultMaxWait,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

type apiError struct {
	ErrorID          int    `json:"errorId"`
	ErrorCode        string `json:"errorCode"`
	ErrorDescription string `json:"errorDescription"`
}

func (e apiError) Error() string {
	if e.ErrorDescription != "" {
		return e.ErrorDescription
	}
	return e.ErrorCode
}

type createTaskRequest struct {
	ClientKey string `json:"clientKey"`
	Task      task   `json:"task"`
	SoftID    int    `json:"softId"`
}

type task struct {
	Type       string `json:"type"`
	WebsiteURL string `json:"websiteURL"`
	WebsiteKey string `json:"websiteKey"`
}

type createTaskResponse struct {
	apiError
	TaskID int64 `json:"taskId"`
}

type taskResultRequest struct {
	ClientKey string `json:"clientKey"`
	TaskID    int64  `json:"taskId"`
}

type taskResultResponse struct {
	apiError
	Status   string `json:"status"`
	Solution struct {
		GRecaptchaResponse string `json:"gRecaptchaResponse"`
	} `json:"solution"`
}

type balanceRequest struct {
	ClientKey string `json:"clientKey"`
}

type balanceResponse struct {
	apiError
	Balance float64 `json:"balance"`
}

// CreateTask submits a reCAPTCHA v2 challenge. Any rejection comes back as
// a *RequestError carrying the service message.
func (a *AntiCaptcha) CreateTask(ctx context.Context, ch Challenge) (TaskID, error) {
	var resp createTaskResponse
	err := a.call(ctx, "createTask", createTaskRequest{
		ClientKey: a.clientKey,
		Task:      task{Type: taskType, WebsiteURL: ch.PageURL, WebsiteKey: ch.SiteKey},
	}, &resp)
	if err != nil {
		return 0, &RequestError{Message: err.Error()}
	}
	if resp.ErrorID != 0 {
		a.logger.Error().Str("code", resp.ErrorCode).Str("description", resp.ErrorDescription).Msg("createTask rejected")
		return 0, &RequestError{Message: resp.apiError.Error()}
	}
	a.logger.Info().Int64("task", resp.TaskID).Msg("captcha task created")
	return TaskID(resp.TaskID), nil
}

// WaitForResult polls getTaskResult until the task is ready, the service
// reports an error or MaxWait passes.
func (a *AntiCaptcha) WaitForResult(ctx context.Context, id TaskID) (Solution, error) {
	deadline := time.Now().Add(a.MaxWait)
	delay := a.FirstPoll
	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(delay):
		}
		delay = a.PollInterval

		var resp taskResultResponse
		if err := a.call(ctx, "getTaskResult", taskResultRequest{ClientKey: a.clientKey, TaskID: int64(id)}, &resp); err != nil {
			// transport hiccups are retried until the deadline
			a.logger.Warn().Err(err).Int64("task", int64(id)).Msg("getTaskResult failed")
		} else if resp.ErrorID != 0 {
			return "", fmt.Errorf("%w: %s", ErrSolverUnsolved, resp.apiError.Error())
		} else if resp.Status == statusReady {
			if resp.Solution.GRecaptchaResponse == "" {
				return "", fmt.Errorf("%w: empty solution", ErrSolverUnsolved)
			}
			a.logger.Info().Int64("task", int64(id)).Msg("g-captcha solved")
			return Solution(resp.Solution.GRecaptchaResponse), nil
		} else {
			a.logger.Debug().Int64("task", int64(id)).Str("status", resp.Status).Msg("task not ready")
		}

		if !time.Now().Before(deadline) {
			return "", fmt.Errorf("%w: no result after %v", ErrSolverUnsolved, a.MaxWait)
		}
	}
}

// Balance returns the account balance in USD.
func (a *AntiCaptcha) Balance(ctx context.Context) (float64, error) {
	var resp balanceResponse
	if err := a.call(ctx, "getBalance", balanceRequest{ClientKey: a.clientKey}, &resp); err != nil {
		return 0, err
	}
	if resp.ErrorID != 0 {
		return 0, fmt.Errorf("anti-captcha: %w", resp.apiError)
	}
	return resp.Balance, nil
}

func (a *AntiCaptcha) call(ctx context.Context, method string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", method, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/"+method, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := a.http.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	data, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	a.logger.Debug().Str("method", method).Int("status", resp.StatusCode).Int("response_size", len(data)).Msg("anti-captcha response")
	if resp.StatusCode >= 400 {
		msg := string(data)
		if len(msg) > 500 {
			msg = msg[:500] + "..."
		}
		return fmt.Errorf("anti-captcha %d: %s", resp.StatusCode, msg)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parse %s response: %w", method, err)
	}
	return nil
}
