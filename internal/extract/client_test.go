package extract_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tern-data/tern/internal/extract"
)

func TestClient_SubmitSuccess(t *testing.T) {
	var got extract.Request
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/api/extract", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"success":true,"pattern":{"pattern_key":"invoice_v2"}}`))
	}))
	defer srv.Close()

	client := extract.NewClient(srv.URL, 5*time.Second)
	res := client.Submit(context.Background(), extract.Request{
		FileName: "a.pdf", Brand: "acme", Purchaser: "retail", Content: "aGVsbG8=",
	})

	require.NoError(t, res.Err)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.GreaterOrEqual(t, res.LatencyMs, int64(0))
	assert.Equal(t, "a.pdf", got.FileName)
	assert.Equal(t, "aGVsbG8=", got.Content)

	out := extract.Interpret(res)
	assert.True(t, out.Success)
	assert.Equal(t, "invoice_v2", out.PatternKey)
	assert.Empty(t, out.ErrorMessage)
}

func TestClient_SubmitTransportFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	srv.Close() // connection refused

	client := extract.NewClient(srv.URL, time.Second)
	res := client.Submit(context.Background(), extract.Request{FileName: "a.pdf"})

	assert.Error(t, res.Err)
	assert.Equal(t, 0, res.StatusCode)
}

func TestInterpret_ApplicationFailureOn2xx(t *testing.T) {
	res := extract.Result{
		StatusCode: 200,
		Body:       []byte(`{"success":false,"error":"no pattern matched"}`),
	}
	out := extract.Interpret(res)
	assert.False(t, out.Success)
	assert.Equal(t, "no pattern matched", out.ErrorMessage)
}

func TestInterpret_MessageFallback(t *testing.T) {
	res := extract.Result{
		StatusCode: 200,
		Body:       []byte(`{"success":false,"message":"quota exceeded"}`),
	}
	out := extract.Interpret(res)
	assert.False(t, out.Success)
	assert.Equal(t, "quota exceeded", out.ErrorMessage)
}

func TestInterpret_UnparsableBodyWrappedAsRaw(t *testing.T) {
	res := extract.Result{StatusCode: 502, Body: []byte("Bad Gateway")}
	out := extract.Interpret(res)

	assert.False(t, out.Success)
	assert.Equal(t, "Bad Gateway", out.ErrorMessage)
	assert.JSONEq(t, `{"raw":"Bad Gateway"}`, string(out.FullResponse))
}

func TestInterpret_EmptyBodyFallsBackToStatus(t *testing.T) {
	res := extract.Result{StatusCode: 503}
	out := extract.Interpret(res)

	assert.False(t, out.Success)
	assert.Equal(t, "HTTP 503", out.ErrorMessage)
}

func TestInterpret_HTTPErrorWithJSONBody(t *testing.T) {
	res := extract.Result{StatusCode: 422, Body: []byte(`{"error":"unsupported file type"}`)}
	out := extract.Interpret(res)

	assert.False(t, out.Success)
	assert.Equal(t, `{"error":"unsupported file type"}`, out.ErrorMessage)
}
