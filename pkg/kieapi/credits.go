package kieapi

import (
	"context"
	"net/http"
	"strconv"

	"go.uber.org/zap"
)

// GetCredits returns the remaining credit balance of the API account.
func (c *Client) GetCredits(ctx context.Context) (float64, error) {
	resp, err := c.doRequest(ctx, http.MethodGet, c.endpoint(c.creditPath), nil)
	if err != nil {
		return 0, err
	}
	doc, _ := decodeDocument(resp.body)
	if apiErr := classify(resp, doc); apiErr != nil {
		c.logger.Error("API account balance fetch failed", zap.Error(apiErr))
		return 0, apiErr
	}
	if doc == nil {
		return 0, &Error{Kind: KindRemoteRejected, Code: resp.status, Message: "unexpected credit response: " + snippet(resp.body)}
	}

	raw, ok := firstString(doc, []fieldPath{{"data", "credits"}, {"data", "balance"}, {"data"}, {"credits"}, {"balance"}})
	if !ok {
		return 0, &Error{Kind: KindRemoteRejected, Code: resp.status, Message: "credit balance missing: " + snippet(resp.body)}
	}
	credits, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, &Error{Kind: KindRemoteRejected, Code: resp.status, Message: "credit balance is not a number: " + raw, Err: err}
	}
	return credits, nil
}
