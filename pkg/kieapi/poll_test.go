package kieapi

import (
	"context"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scripted replies with bodies[i] on the i-th call and repeats the last body afterwards.
func scripted(t *testing.T, status int, bodies ...string) (http.HandlerFunc, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32
	return func(w http.ResponseWriter, r *http.Request) {
		n := int(calls.Add(1)) - 1
		if n >= len(bodies) {
			n = len(bodies) - 1
		}
		assert.Equal(t, "/api/v1/veo/record-info", r.URL.Path)
		assert.Equal(t, "job-1", r.URL.Query().Get("taskId"))
		writeJSON(w, status, bodies[n])
	}, &calls
}

func fastPoll(deadline time.Duration) PollOptions {
	return PollOptions{Interval: 10 * time.Millisecond, Deadline: deadline}
}

func TestPollPendingThenSuccess(t *testing.T) {
	handler, calls := scripted(t, http.StatusOK,
		`{"status":"pending"}`,
		`{"status":"pending"}`,
		`{"status":"success","resultUrls":"[\"https://cdn.example.com/v.mp4\"]"}`,
	)
	client := newTestClient(t, handler)

	res, err := client.PollUntilTerminal(context.Background(), "job-1", fastPoll(5*time.Second))
	require.NoError(t, err)
	assert.Equal(t, StateSucceeded, res.State)
	assert.Equal(t, []string{"https://cdn.example.com/v.mp4"}, res.ResultURLs)
	assert.Equal(t, 3, res.Ticks)
	assert.Equal(t, int32(3), calls.Load())
}

func TestPollSuccessFlagWithNestedURLs(t *testing.T) {
	handler, _ := scripted(t, http.StatusOK,
		`{"code":200,"data":{"taskId":"job-1","successFlag":0}}`,
		`{"code":200,"data":{"taskId":"job-1","successFlag":1,"response":{"resultUrls":["https://a/1.mp4","https://a/2.mp4"]}}}`,
	)
	client := newTestClient(t, handler)

	res, err := client.PollUntilTerminal(context.Background(), "job-1", fastPoll(5*time.Second))
	require.NoError(t, err)
	assert.Equal(t, StateSucceeded, res.State)
	assert.Equal(t, []string{"https://a/1.mp4", "https://a/2.mp4"}, res.ResultURLs)
}

func TestPollFailedCarriesReason(t *testing.T) {
	handler, _ := scripted(t, http.StatusOK,
		`{"status":"failed","errorMessage":"content policy violation"}`,
	)
	client := newTestClient(t, handler)

	res, err := client.PollUntilTerminal(context.Background(), "job-1", fastPoll(5*time.Second))
	require.NoError(t, err)
	assert.Equal(t, StateFailed, res.State)
	assert.Equal(t, "content policy violation", res.ErrorReason)
	assert.Equal(t, 1, res.Ticks)
}

func TestPollFailedWithBusinessErrorCode(t *testing.T) {
	handler, _ := scripted(t, http.StatusOK,
		`{"code":501,"msg":"generation failed","data":{"successFlag":2,"errorMessage":"audio generation failed"}}`,
	)
	client := newTestClient(t, handler)

	res, err := client.PollUntilTerminal(context.Background(), "job-1", fastPoll(5*time.Second))
	require.NoError(t, err)
	assert.Equal(t, StateFailed, res.State)
	assert.Equal(t, "audio generation failed", res.ErrorReason)
}

func TestPollTimesOutNotBeforeDeadline(t *testing.T) {
	handler, calls := scripted(t, http.StatusOK, `{"status":"processing"}`)
	client := newTestClient(t, handler)

	deadline := 80 * time.Millisecond
	start := time.Now()
	res, err := client.PollUntilTerminal(context.Background(), "job-1", fastPoll(deadline))
	require.NoError(t, err)
	assert.Equal(t, StateTimedOut, res.State)
	assert.GreaterOrEqual(t, time.Since(start), deadline)
	assert.GreaterOrEqual(t, res.Elapsed, deadline)
	assert.Greater(t, calls.Load(), int32(1))
}

func TestPollUnknownStatusKeepsPolling(t *testing.T) {
	handler, _ := scripted(t, http.StatusOK,
		`{"status":"warming_up"}`,
		`{"status":"completed","video_url":"https://cdn/v.mp4"}`,
	)
	client := newTestClient(t, handler)

	var unknown int
	opts := fastPoll(5 * time.Second)
	opts.OnTick = func(_ int, report *StatusReport, err error) {
		if err == nil && !report.Known {
			unknown++
		}
	}
	res, err := client.PollUntilTerminal(context.Background(), "job-1", opts)
	require.NoError(t, err)
	assert.Equal(t, StateSucceeded, res.State)
	assert.Equal(t, []string{"https://cdn/v.mp4"}, res.ResultURLs)
	assert.Equal(t, 1, unknown)
}

func TestPollTransientErrorsAreRetried(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
	}{
		{"service unavailable", http.StatusServiceUnavailable, `busy`},
		{"malformed json", http.StatusOK, `{not json`},
		{"no status field", http.StatusOK, `{"code":200,"msg":"success","data":{"taskId":"job-1"}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			var tickErrs []error
			client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				if calls.Add(1) == 1 {
					writeJSON(w, tt.status, tt.body)
					return
				}
				writeJSON(w, http.StatusOK, `{"status":"success","url":"https://cdn/v.mp4"}`)
			})
			opts := fastPoll(5 * time.Second)
			opts.OnTick = func(_ int, _ *StatusReport, err error) { tickErrs = append(tickErrs, err) }

			res, err := client.PollUntilTerminal(context.Background(), "job-1", opts)
			require.NoError(t, err)
			assert.Equal(t, StateSucceeded, res.State)
			assert.Equal(t, []string{"https://cdn/v.mp4"}, res.ResultURLs)
			assert.Equal(t, 2, res.Ticks)
			require.Len(t, tickErrs, 2)
			assert.ErrorIs(t, tickErrs[0], ErrNetwork)
			assert.NoError(t, tickErrs[1])
		})
	}
}

func TestPollSuccessWithoutURLs(t *testing.T) {
	handler, _ := scripted(t, http.StatusOK, `{"status":"success","resultUrls":"[]"}`)
	client := newTestClient(t, handler)

	_, err := client.PollUntilTerminal(context.Background(), "job-1", fastPoll(5*time.Second))
	assert.ErrorIs(t, err, ErrResultMissing)
}

func TestPollAbortsAfterRepeatedAuthFailures(t *testing.T) {
	handler, calls := scripted(t, http.StatusUnauthorized, `{"code":401,"msg":"invalid key"}`)
	client := newTestClient(t, handler)

	_, err := client.PollUntilTerminal(context.Background(), "job-1", fastPoll(5*time.Second))
	assert.ErrorIs(t, err, ErrAuthOrAccessDenied)
	assert.Equal(t, int32(maxFatalStreak), calls.Load())
}

func TestPollCancelled(t *testing.T) {
	handler, _ := scripted(t, http.StatusOK, `{"status":"pending"}`)
	client := newTestClient(t, handler)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()
	res, err := client.PollUntilTerminal(ctx, "job-1", fastPoll(5*time.Second))
	assert.Nil(t, res)
	assert.ErrorIs(t, err, context.Canceled)
}
