// Package dispatch delivers scenario-run triggers to the upstream bot API.
package dispatch

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/tbsched/tbs/internal/schedules"
)

const (
	userAgent = "telegram-bot-scheduler/1.0"

	// maxErrorBody caps how much of an upstream error response is kept
	// in last_error.
	maxErrorBody = 1000
)

// Result classifies one delivery. StatusCode is nil when no HTTP response
// was received at all; ErrText is nil only on 2xx/3xx.
type Result struct {
	StatusCode *int
	ErrText    *string
}

// Dispatcher fires schedules against the bot API over a shared client.
type Dispatcher struct {
	client  *http.Client
	baseURL string
	retries int
	logger  *slog.Logger
	backoff []time.Duration // per-instance; tests override without touching globals
}

// New creates a Dispatcher. retries is the number of re-attempts after a
// transport failure, so a schedule gets retries+1 tries total.
func New(baseURL string, timeout time.Duration, retries int, logger *slog.Logger) *Dispatcher {
	if retries < 0 {
		retries = 0
	}
	return &Dispatcher{
		client:  &http.Client{Timeout: timeout},
		baseURL: strings.TrimRight(baseURL, "/"),
		retries: retries,
		logger:  logger,
		backoff: backoffSchedule(retries),
	}
}

// backoffSchedule returns the sleeps between attempts: 0.5s doubling per
// retry.
func backoffSchedule(retries int) []time.Duration {
	out := make([]time.Duration, retries)
	d := 500 * time.Millisecond
	for i := range out {
		out[i] = d
		d *= 2
	}
	return out
}

// Fire performs the scenarioRun call for one claimed schedule.
//
// Transport errors are retried with backoff until the attempt budget runs
// out; any HTTP response, including 4xx/5xx, is final. The upstream API
// reports problems via status codes, so retrying an error response would
// re-run the scenario.
func (d *Dispatcher) Fire(ctx context.Context, row schedules.ClaimedRow) Result {
	q := url.Values{}
	q.Set("token", row.Token)
	q.Set("method", "scenarioRun")
	q.Set("scenario_id", strconv.FormatInt(row.ScenarioID, 10))
	q.Set("user_id", strconv.FormatInt(row.UserID, 10))
	target := d.baseURL + "/?" + q.Encode()

	var lastErr error
	for attempt := 0; attempt <= d.retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return errResult(ctx.Err().Error())
			case <-time.After(d.backoff[attempt-1]):
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
		if err != nil {
			return errResult(err.Error())
		}
		req.Header.Set("User-Agent", userAgent)

		resp, err := d.client.Do(req)
		if err != nil {
			lastErr = err
			d.logger.Warn("scenario dispatch failed",
				"schedule_id", row.ID, "attempt", attempt+1, "error", err)
			continue
		}

		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		resp.Body.Close()
		status := resp.StatusCode

		if status >= 400 {
			errText := fmt.Sprintf("HTTP %d: %s", status, body)
			d.logger.Warn("scenario dispatch rejected",
				"schedule_id", row.ID, "status", status)
			return Result{StatusCode: &status, ErrText: &errText}
		}
		return Result{StatusCode: &status}
	}

	d.logger.Error("scenario dispatch exhausted retries",
		"schedule_id", row.ID, "attempts", d.retries+1, "error", lastErr)
	return errResult(lastErr.Error())
}

func errResult(text string) Result {
	return Result{ErrText: &text}
}
