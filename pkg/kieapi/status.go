package kieapi

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"
)

// StatusReport is one observation of a remote job.
type StatusReport struct {
	TaskID string
	State  JobState
	// Known is false when the status field held a value we do not recognise;
	// such reports are treated as pending.
	Known        bool
	RawStatus    string
	ResultURLs   []string
	ErrorMessage string
}

// GetStatus queries the record-info endpoint once.
func (c *Client) GetStatus(ctx context.Context, taskID string) (*StatusReport, error) {
	if strings.TrimSpace(taskID) == "" {
		return nil, &Error{Kind: KindInvalidRequest, Message: "task id is empty"}
	}
	statusURL := c.endpoint(c.statusPath) + "?taskId=" + url.QueryEscape(taskID)

	resp, err := c.doRequest(ctx, http.MethodGet, statusURL, nil)
	if err != nil {
		return nil, err
	}
	doc, _ := decodeDocument(resp.body)

	// A readable status flag wins over the envelope code: failed generations
	// come back with a non-200 business code and the reason inside data.
	if doc != nil && resp.status < 300 {
		if raw, ok := firstValue(doc, statusFlagRules); ok {
			return c.buildReport(taskID, doc, raw), nil
		}
	}
	if apiErr := classify(resp, doc); apiErr != nil {
		return nil, apiErr
	}
	return nil, networkError("status response has no status field: "+snippet(resp.body), nil)
}

func (c *Client) buildReport(taskID string, doc map[string]any, raw any) *StatusReport {
	state, known := parseStatusFlag(raw)
	report := &StatusReport{
		TaskID:    taskID,
		State:     state,
		Known:     known,
		RawStatus: fmt.Sprint(raw),
	}
	if !known {
		c.logger.Warn("unrecognised job status, treating as pending",
			zap.String("task_id", taskID), zap.String("status", report.RawStatus))
	}
	switch state {
	case StateSucceeded:
		report.ResultURLs = firstURLs(doc, resultURLRules)
	case StateFailed:
		if msg, ok := firstString(doc, failureMessageRules); ok {
			report.ErrorMessage = msg
		} else if msg, ok := firstString(doc, envelopeMessageRules); ok {
			report.ErrorMessage = msg
		}
	}
	return report
}
