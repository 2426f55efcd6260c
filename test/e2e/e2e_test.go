//go:build e2e
// +build e2e

package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"testing"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/stemsi/exstem-runner/internal/config"
	"github.com/stemsi/exstem-runner/internal/model"
)

const (
	defaultBaseURL  = "http://localhost:8090/api/v1"
	defaultRedisURL = "redis://localhost:6379/0"
	batchCode       = "E2E-BATCH"
	examNo          = "E2E-0001"
)

var (
	baseURL  string
	redisURL string
	keys     *config.StorageKeyStruct
	token    string
)

type envelope struct {
	Data  json.RawMessage `json:"data"`
	Error *struct {
		Code string `json:"code"`
	} `json:"error"`
}

func TestMain(m *testing.M) {
	_ = godotenv.Load("../../.env")

	baseURL = os.Getenv("BASE_URL")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	redisURL = os.Getenv("REDIS_URL")
	if redisURL == "" {
		redisURL = defaultRedisURL
	}
	ns := os.Getenv("STORE_NAMESPACE")
	if ns == "" {
		ns = "default"
	}
	keys = config.NewStorageKeyStruct(ns)

	os.Exit(m.Run())
}

func TestE2ERunnerFlow(t *testing.T) {
	t.Run("Login", func(t *testing.T) {
		env := call(t, http.MethodPost, "/session/login", map[string]any{
			"batch_code": batchCode,
			"exam_no":    examNo,
			"user":       map[string]string{"batchCode": batchCode, "examNo": examNo},
		}, http.StatusOK)

		var data struct {
			Token   string        `json:"token"`
			Session model.Session `json:"session"`
		}
		decode(t, env.Data, &data)
		if data.Token == "" {
			t.Fatal("token missing")
		}
		if data.Session.ExamNo != examNo {
			t.Fatalf("exam_no = %q", data.Session.ExamNo)
		}
		token = data.Token
		t.Logf("Session %s on %s", data.Session.ID, data.Session.CurrentPageID)
	})

	t.Run("RecordOperation", func(t *testing.T) {
		env := call(t, http.MethodPost, "/operations", map[string]any{
			"target_element": "start-button",
			"event_type":     "click",
		}, http.StatusOK)

		var data struct {
			Accepted bool `json:"accepted"`
		}
		decode(t, env.Data, &data)
		if !data.Accepted {
			t.Fatal("click was not accepted")
		}
	})

	t.Run("PendingLogVisible", func(t *testing.T) {
		env := call(t, http.MethodGet, "/session", nil, http.StatusOK)

		var data struct {
			Pending struct {
				Operations []model.Operation `json:"operations"`
			} `json:"pending"`
		}
		decode(t, env.Data, &data)
		if len(data.Pending.Operations) == 0 {
			t.Fatal("pending operations missing")
		}
	})

	t.Run("AdvancePastBootstrap", func(t *testing.T) {
		env := call(t, http.MethodPost, "/navigation/advance", map[string]any{}, http.StatusOK)

		var data struct {
			Status string `json:"status"`
			To     string `json:"to_page_id"`
		}
		decode(t, env.Data, &data)
		if data.Status != "navigated" {
			t.Fatalf("status = %q", data.Status)
		}
		t.Logf("Advanced to %s", data.To)
	})

	t.Run("NoticeTimer", func(t *testing.T) {
		call(t, http.MethodPost, "/timers/notice/start", map[string]any{"duration_seconds": 30}, http.StatusOK)
		call(t, http.MethodPost, "/timers/notice/pause", nil, http.StatusOK)

		env := call(t, http.MethodGet, "/timers/notice", nil, http.StatusOK)
		var snap model.TimerSnapshot
		decode(t, env.Data, &snap)
		if snap.Status != model.TimerPaused {
			t.Fatal("notice timer should be paused")
		}
		call(t, http.MethodPost, "/timers/notice/reset", nil, http.StatusOK)
	})

	t.Run("PersistedInRedis", func(t *testing.T) {
		rdb := dialRedis(t)
		n, err := rdb.Exists(context.Background(), keys.ExamNoKey()).Result()
		if err != nil {
			t.Fatalf("redis: %v", err)
		}
		if n != 1 {
			t.Skip("store is not redis-backed")
		}
	})

	t.Run("Logout", func(t *testing.T) {
		call(t, http.MethodPost, "/session/logout", nil, http.StatusOK)
		env := call(t, http.MethodGet, "/session", nil, http.StatusUnauthorized)
		if env.Error == nil {
			t.Fatal("error body missing after logout")
		}
	})

	t.Run("PurgedFromRedis", func(t *testing.T) {
		rdb := dialRedis(t)
		found, _, err := rdb.Scan(context.Background(), 0, keys.Prefix()+"core.*", 100).Result()
		if err != nil {
			t.Fatalf("redis: %v", err)
		}
		if len(found) != 0 {
			t.Fatalf("keys left after logout: %v", found)
		}
	})
}

func dialRedis(t *testing.T) *redis.Client {
	t.Helper()
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		t.Fatalf("parse redis url: %v", err)
	}
	rdb := redis.NewClient(opt)
	t.Cleanup(func() { _ = rdb.Close() })
	return rdb
}

func call(t *testing.T, method, path string, body any, want int) envelope {
	t.Helper()
	resp, err := send(method, path, body)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != want {
		t.Fatalf("%s %s: status %d: %s", method, path, resp.StatusCode, raw)
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	return env
}

func send(method, path string, body any) (*http.Response, error) {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return nil, fmt.Errorf("encode body: %w", err)
		}
	}
	req, err := http.NewRequest(method, baseURL+path, &buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	client := &http.Client{Timeout: 30 * time.Second}
	return client.Do(req)
}

func decode(t *testing.T, raw json.RawMessage, v any) {
	t.Helper()
	if err := json.Unmarshal(raw, v); err != nil {
		t.Fatalf("decode data: %v", err)
	}
}
