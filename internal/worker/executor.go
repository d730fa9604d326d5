package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/minisource/distsched/internal/task"
)

func decodeArgs(raw json.RawMessage) ([]json.RawMessage, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var args []json.RawMessage
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, fmt.Errorf("worker: decoding job args: %w", err)
	}
	return args, nil
}

func decodeKwargs(raw json.RawMessage) (map[string]json.RawMessage, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	kwargs := make(map[string]json.RawMessage)
	if err := json.Unmarshal(raw, &kwargs); err != nil {
		return nil, fmt.Errorf("worker: decoding job kwargs: %w", err)
	}
	return kwargs, nil
}

func encodeReturnValue(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	if raw, ok := v.(json.RawMessage); ok {
		return raw, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("worker: encoding return value: %w", err)
	}
	return b, nil
}

// WebhookTask adapts the teacher's HTTP-executor idiom
// (_examples/minisource-scheduler/internal/scheduler/executor.go) into a
// task.Func: it POSTs the job's kwargs to a fixed endpoint and returns the
// response body as the job's return value, the way the teacher's jobs
// always meant "call this webhook".
func WebhookTask(endpoint string, client *http.Client) task.Func {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return func(taskCtx task.Context, args []json.RawMessage, kwargs map[string]json.RawMessage) (any, error) {
		var body io.Reader
		if len(kwargs) > 0 {
			payload, err := json.Marshal(kwargs)
			if err != nil {
				return nil, fmt.Errorf("worker: encoding webhook payload: %w", err)
			}
			body = bytes.NewReader(payload)
		}

		ctx, cancel := context.WithTimeout(context.Background(), client.Timeout)
		defer cancel()

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, body)
		if err != nil {
			return nil, fmt.Errorf("worker: building webhook request: %w", err)
		}
		req.Header.Set("User-Agent", "distsched-worker/1.0")
		req.Header.Set("X-Job-ID", taskCtx.JobID)
		if taskCtx.ScheduleID != "" {
			req.Header.Set("X-Schedule-ID", taskCtx.ScheduleID)
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("worker: webhook request failed: %w", err)
		}
		defer resp.Body.Close()

		respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return nil, fmt.Errorf("worker: reading webhook response: %w", err)
		}

		if resp.StatusCode >= 400 {
			return nil, fmt.Errorf("worker: webhook %s returned %s: %s", endpoint, resp.Status, respBody)
		}

		if len(respBody) == 0 {
			return nil, nil
		}
		return json.RawMessage(respBody), nil
	}
}
