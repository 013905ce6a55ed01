package kieapi

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
)

// The KIE API (and the proxies in front of it) do not agree on where fields
// live. Every lookup below is an ordered rule list: the first path that
// resolves to a usable value wins.

type fieldPath []string

var jobIDRules = []fieldPath{
	{"data", "taskId"},
	{"data", "task_id"},
	{"taskId"},
	{"task_id"},
	{"data", "id"},
	{"id"},
}

var statusFlagRules = []fieldPath{
	{"data", "successFlag"},
	{"successFlag"},
	{"data", "status"},
	{"status"},
	{"data", "state"},
	{"state"},
}

var failureMessageRules = []fieldPath{
	{"data", "errorMessage"},
	{"data", "error_message"},
	{"data", "failMsg"},
	{"data", "errorMsg"},
	{"data", "error", "message"},
	{"data", "error"},
	{"errorMessage"},
	{"error_message"},
	{"failMsg"},
	{"errorMsg"},
	{"error", "message"},
	{"error"},
}

var envelopeMessageRules = []fieldPath{
	{"msg"},
	{"message"},
	{"error", "message"},
	{"error"},
}

var resultURLRules = buildResultURLRules(
	[]fieldPath{{"data", "response"}, {"data", "result"}, {"data"}, {"response"}, {"result"}, {}},
	[]string{"resultUrls", "result_urls", "videoUrls", "video_urls", "urls", "resultUrl", "result_url", "videoUrl", "video_url", "url"},
)

func buildResultURLRules(containers []fieldPath, keys []string) []fieldPath {
	rules := make([]fieldPath, 0, len(containers)*len(keys))
	for _, c := range containers {
		for _, k := range keys {
			p := append(append(fieldPath{}, c...), k)
			rules = append(rules, p)
		}
	}
	return rules
}

// decodeDocument parses a JSON body keeping numbers as json.Number.
func decodeDocument(body []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var doc map[string]any
	if err := dec.Decode(&doc); err != nil {
		return nil, err
	}
	return doc, nil
}

func lookup(doc map[string]any, p fieldPath) (any, bool) {
	var cur any = doc
	for _, key := range p {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[key]
		if !ok || cur == nil {
			return nil, false
		}
	}
	return cur, true
}

// firstString returns the first non-empty string (or number rendered as a
// string) matched by rules.
func firstString(doc map[string]any, rules []fieldPath) (string, bool) {
	for _, p := range rules {
		v, ok := lookup(doc, p)
		if !ok {
			continue
		}
		switch s := v.(type) {
		case string:
			if s = strings.TrimSpace(s); s != "" {
				return s, true
			}
		case json.Number:
			return s.String(), true
		}
	}
	return "", false
}

func firstValue(doc map[string]any, rules []fieldPath) (any, bool) {
	for _, p := range rules {
		if v, ok := lookup(doc, p); ok {
			return v, true
		}
	}
	return nil, false
}

// firstInt reads an integer-like field (number or numeric string).
func firstInt(doc map[string]any, rules []fieldPath) (int, bool) {
	for _, p := range rules {
		v, ok := lookup(doc, p)
		if !ok {
			continue
		}
		if n, ok := asInt(v); ok {
			return n, true
		}
	}
	return 0, false
}

func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			f, ferr := n.Float64()
			if ferr != nil {
				return 0, false
			}
			return int(f), true
		}
		return int(i), true
	case float64:
		return int(n), true
	case string:
		i, err := strconv.Atoi(strings.TrimSpace(n))
		if err != nil {
			return 0, false
		}
		return i, true
	}
	return 0, false
}

// firstURLs resolves result URLs. A rule matches when its value is a non-empty
// array of strings, a JSON-encoded string array, or a plain string.
func firstURLs(doc map[string]any, rules []fieldPath) []string {
	for _, p := range rules {
		v, ok := lookup(doc, p)
		if !ok {
			continue
		}
		if urls := urlsFromValue(v); len(urls) > 0 {
			return urls
		}
	}
	return nil
}

func urlsFromValue(v any) []string {
	switch val := v.(type) {
	case []any:
		var urls []string
		for _, item := range val {
			if s, ok := item.(string); ok && strings.TrimSpace(s) != "" {
				urls = append(urls, strings.TrimSpace(s))
			}
		}
		return urls
	case string:
		s := strings.TrimSpace(val)
		if s == "" {
			return nil
		}
		if strings.HasPrefix(s, "[") {
			var decoded []string
			if err := json.Unmarshal([]byte(s), &decoded); err != nil {
				return nil
			}
			var urls []string
			for _, u := range decoded {
				if u = strings.TrimSpace(u); u != "" {
					urls = append(urls, u)
				}
			}
			return urls
		}
		return []string{s}
	}
	return nil
}

// parseStatusFlag maps the many spellings of job progress onto a JobState.
// The boolean is false when the value is not recognised.
func parseStatusFlag(v any) (JobState, bool) {
	if n, ok := asInt(v); ok {
		switch n {
		case 0:
			return StatePending, true
		case 1:
			return StateSucceeded, true
		case 2, 3:
			return StateFailed, true
		}
		return StatePending, false
	}
	s, ok := v.(string)
	if !ok {
		return StatePending, false
	}
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "pending", "processing", "queued", "in_queue", "in_progress", "running", "generating", "waiting", "created", "submitted":
		return StatePending, true
	case "success", "succeeded", "completed", "complete", "done", "finished":
		return StateSucceeded, true
	case "failed", "fail", "failure", "error", "create_task_failed", "generate_failed", "cancelled", "canceled":
		return StateFailed, true
	}
	return StatePending, false
}
