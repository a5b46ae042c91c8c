package middleware

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type checkoutBody struct {
	StoreID    string   `json:"store_id"`
	ProductIDs []string `json:"product_ids"`
	Email      string   `json:"email,omitempty"`
}

type orderStatus struct {
	OrderID string   `json:"order_id"`
	Status  string   `json:"status"`
	Files   []string `json:"files"`
}

// echoCheckout разбирает тело оформления и отвечает статусом заказа.
func echoCheckout(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req checkoutBody
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad json", http.StatusBadRequest)
			return
		}
		assert.Empty(t, r.Header.Get("Content-Encoding"), "encoding header is consumed by the middleware")

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(orderStatus{
			OrderID: req.StoreID + "/order-1",
			Status:  "PENDING",
			Files:   req.ProductIDs,
		})
	}
}

func gzipBytes(t *testing.T, payload []byte) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	_, err := gz.Write(payload)
	require.NoError(t, err)
	require.NoError(t, gz.Close())
	return &buf
}

func decodeStatus(t *testing.T, res *http.Response) orderStatus {
	t.Helper()
	var body io.Reader = res.Body
	if res.Header.Get("Content-Encoding") == "gzip" {
		gr, err := gzip.NewReader(res.Body)
		require.NoError(t, err)
		defer gr.Close()
		body = gr
	}

	var out orderStatus
	require.NoError(t, json.NewDecoder(body).Decode(&out))
	return out
}

func TestGzipMiddleware_CompressedCheckoutRoundTrip(t *testing.T) {
	payload, err := json.Marshal(checkoutBody{StoreID: "store-1", ProductIDs: []string{"prod-1", "prod-2"}, Email: "buyer@example.com"})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/api/checkout", gzipBytes(t, payload))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Content-Encoding", "gzip")
	req.Header.Set("Accept-Encoding", "gzip, deflate")

	rec := httptest.NewRecorder()
	GzipMiddleware(echoCheckout(t)).ServeHTTP(rec, req)

	res := rec.Result()
	defer res.Body.Close()

	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "gzip", res.Header.Get("Content-Encoding"))
	assert.Contains(t, res.Header.Values("Vary"), "Accept-Encoding")
	assert.Empty(t, res.Header.Get("Content-Length"))

	got := decodeStatus(t, res)
	assert.Equal(t, orderStatus{OrderID: "store-1/order-1", Status: "PENDING", Files: []string{"prod-1", "prod-2"}}, got)
}

func TestGzipMiddleware_PlainClient(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/api/checkout", strings.NewReader(`{"store_id":"store-1","product_ids":["prod-1"]}`))

	rec := httptest.NewRecorder()
	GzipMiddleware(echoCheckout(t)).ServeHTTP(rec, req)

	res := rec.Result()
	defer res.Body.Close()

	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Empty(t, res.Header.Get("Content-Encoding"))
	assert.Equal(t, "PENDING", decodeStatus(t, res).Status)
}

func TestGzipMiddleware_InvalidCompressedBody(t *testing.T) {
	called := false
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true })

	req := httptest.NewRequest(http.MethodPost, "/api/webhooks/stripe", strings.NewReader(`{"id":"evt_1"}`))
	req.Header.Set("Content-Encoding", "gzip")

	rec := httptest.NewRecorder()
	GzipMiddleware(next).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.False(t, called)
}

func TestGzipMiddleware_SkipsNonTextResponses(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
		status  int
	}{
		{
			name: "file archive",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/zip")
				_, _ = w.Write([]byte("PK\x03\x04"))
			},
			status: http.StatusOK,
		},
		{
			name:    "no content",
			handler: func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNoContent) },
			status:  http.StatusNoContent,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/downloads/abc", nil)
			req.Header.Set("Accept-Encoding", "gzip")

			rec := httptest.NewRecorder()
			GzipMiddleware(tt.handler).ServeHTTP(rec, req)

			assert.Equal(t, tt.status, rec.Code)
			assert.NotEqual(t, "gzip", rec.Header().Get("Content-Encoding"))
		})
	}
}
