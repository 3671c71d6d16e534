package main

import (
	"context"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

func newTestResponse(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Body:       io.NopCloser(strings.NewReader(body)),
		Header:     make(http.Header),
	}
}

func TestDoJSONSetsBearerTokenAndBody(t *testing.T) {
	var gotAuth string
	var gotBody []byte
	client := &apiClient{
		endpoint: "http://unix",
		token:    "secret",
		httpClient: &http.Client{Transport: roundTripFunc(func(req *http.Request) (*http.Response, error) {
			gotAuth = req.Header.Get("Authorization")
			b, _ := io.ReadAll(req.Body)
			gotBody = b
			return newTestResponse(http.StatusOK, `{"ok":true}`), nil
		})},
	}

	data, err := client.doJSON(context.Background(), http.MethodPost, "/v1/test", map[string]string{"a": "b"})
	require.NoError(t, err)
	assert.Equal(t, "Bearer secret", gotAuth)
	assert.JSONEq(t, `{"a":"b"}`, string(gotBody))
	assert.JSONEq(t, `{"ok":true}`, string(data))
}

func TestDoJSONOmitsAuthWhenTokenEmpty(t *testing.T) {
	var gotAuth string
	client := &apiClient{
		endpoint: "http://unix",
		httpClient: &http.Client{Transport: roundTripFunc(func(req *http.Request) (*http.Response, error) {
			gotAuth = req.Header.Get("Authorization")
			return newTestResponse(http.StatusOK, `{}`), nil
		})},
	}
	_, err := client.doJSON(context.Background(), http.MethodGet, "/v1/test", nil)
	require.NoError(t, err)
	assert.Empty(t, gotAuth)
}

func TestDoJSONReturnsParsedAPIError(t *testing.T) {
	client := &apiClient{
		endpoint: "http://unix",
		httpClient: &http.Client{Transport: roundTripFunc(func(req *http.Request) (*http.Response, error) {
			return newTestResponse(http.StatusNotFound, `{"error":"snapshot not found"}`), nil
		})},
	}
	_, err := client.doJSON(context.Background(), http.MethodGet, "/v1/snapshots/x", nil)
	require.Error(t, err)
	assert.Equal(t, "snapshot not found", err.Error())
}

func TestDoJSONFallsBackToStatusWhenBodyUnparseable(t *testing.T) {
	client := &apiClient{
		endpoint: "http://unix",
		httpClient: &http.Client{Transport: roundTripFunc(func(req *http.Request) (*http.Response, error) {
			return newTestResponse(http.StatusInternalServerError, `not json`), nil
		})},
	}
	_, err := client.doJSON(context.Background(), http.MethodGet, "/v1/snapshots/x", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "500")
}
