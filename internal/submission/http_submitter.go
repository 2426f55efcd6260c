package submission

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/stemsi/exstem-runner/internal/model"
)

const (
	markPath     = "/saveHcMark"
	progressPath = "/stu/api/flows/%s/progress"
	maxBodyLog   = 512
)

// Request is one submission on the wire.
type Request struct {
	BatchCode string
	ExamNo    string
	Mark      model.MarkPayload
}

// Response is the backend's business envelope. A missing code counts as
// success.
type Response struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// Submitter delivers one request. A returned error is a transport failure;
// business failures come back in Response.Code.
type Submitter interface {
	SubmitMark(ctx context.Context, req Request) (Response, error)
}

// HTTPSubmitter posts marks as multipart forms and heartbeats as JSON.
type HTTPSubmitter struct {
	baseURL string
	client  *http.Client
}

func NewHTTPSubmitter(baseURL string, timeout time.Duration) *HTTPSubmitter {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &HTTPSubmitter{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

// SubmitMark posts batchCode, examNo and the JSON-encoded mark as form
// fields to /saveHcMark.
func (s *HTTPSubmitter) SubmitMark(ctx context.Context, req Request) (Response, error) {
	mark, err := json.Marshal(req.Mark.Normalized())
	if err != nil {
		return Response{}, fmt.Errorf("encode mark: %w", err)
	}

	var body bytes.Buffer
	form := multipart.NewWriter(&body)
	for _, f := range [][2]string{
		{"batchCode", req.BatchCode},
		{"examNo", req.ExamNo},
		{"mark", string(mark)},
	} {
		if err := form.WriteField(f[0], f[1]); err != nil {
			return Response{}, fmt.Errorf("write form field %s: %w", f[0], err)
		}
	}
	if err := form.Close(); err != nil {
		return Response{}, fmt.Errorf("close form: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+markPath, &body)
	if err != nil {
		return Response{}, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", form.FormDataContentType())
	httpReq.Header.Set("Accept", "application/json")

	var resp Response
	if err := s.do(httpReq, &resp); err != nil {
		return Response{}, err
	}
	return resp, nil
}

// PostProgress sends one heartbeat to the flow progress endpoint.
func (s *HTTPSubmitter) PostProgress(ctx context.Context, hb model.Heartbeat) error {
	raw, err := json.Marshal(hb)
	if err != nil {
		return fmt.Errorf("encode heartbeat: %w", err)
	}
	endpoint := s.baseURL + fmt.Sprintf(progressPath, url.PathEscape(hb.FlowID))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	return s.do(httpReq, nil)
}

func (s *HTTPSubmitter) do(req *http.Request, out any) error {
	res, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if res.StatusCode < 200 || res.StatusCode > 299 {
		snippet := strings.TrimSpace(string(payload))
		if len(snippet) > maxBodyLog {
			snippet = snippet[:maxBodyLog]
		}
		return &StatusError{Status: res.StatusCode, Body: snippet}
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
