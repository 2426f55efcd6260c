package submission

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stemsi/exstem-runner/internal/model"
	"github.com/stretchr/testify/require"
)

func TestHTTPSubmitterPostsMultipartForm(t *testing.T) {
	var got model.MarkPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/saveHcMark", r.URL.Path)
		require.NoError(t, r.ParseMultipartForm(1<<20))
		require.Equal(t, "B-2026", r.FormValue("batchCode"))
		require.Equal(t, "E-1001", r.FormValue("examNo"))
		require.NoError(t, json.Unmarshal([]byte(r.FormValue("mark")), &got))
		_, _ = io.WriteString(w, `{"code":200,"msg":"ok"}`)
	}))
	defer srv.Close()

	s := NewHTTPSubmitter(srv.URL+"/", 0)
	resp, err := s.SubmitMark(context.Background(), Request{BatchCode: "B-2026", ExamNo: "E-1001", Mark: sampleMark()})
	require.NoError(t, err)
	require.Equal(t, 200, resp.Code)
	require.Equal(t, "2", got.PageNumber)
	require.Len(t, got.OperationList, 2)
	require.Equal(t, model.EventPageExit, got.OperationList[1].EventType)
}

func TestHTTPSubmitterBusinessExpiry(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"code":401,"msg":"session expired"}`)
	}))
	defer srv.Close()

	resp, err := NewHTTPSubmitter(srv.URL, 0).SubmitMark(context.Background(), Request{Mark: sampleMark()})
	require.NoError(t, err)
	require.Equal(t, 401, resp.Code)
	require.Equal(t, "session_expired", classify(resp, err))
}

func TestHTTPSubmitterStatusAndGarbage(t *testing.T) {
	status := http.StatusBadGateway
	body := "upstream down"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		_, _ = io.WriteString(w, body)
	}))
	defer srv.Close()
	s := NewHTTPSubmitter(srv.URL, 0)

	_, err := s.SubmitMark(context.Background(), Request{Mark: sampleMark()})
	var se *StatusError
	require.ErrorAs(t, err, &se)
	require.Equal(t, http.StatusBadGateway, se.Status)
	require.Equal(t, "network_error", classify(Response{}, err))

	status, body = http.StatusOK, "<html>"
	_, err = s.SubmitMark(context.Background(), Request{Mark: sampleMark()})
	require.Error(t, err)
	require.Equal(t, "network_error", classify(Response{}, err))
}

func TestHTTPSubmitterPostProgress(t *testing.T) {
	var hb model.Heartbeat
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/stu/api/flows/g7a-mix-001/progress", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&hb))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	err := NewHTTPSubmitter(srv.URL, 0).PostProgress(context.Background(), model.Heartbeat{FlowID: "g7a-mix-001", ExamNo: "E-1001", StepIndex: 4})
	require.NoError(t, err)
	require.Equal(t, 4, hb.StepIndex)
}
