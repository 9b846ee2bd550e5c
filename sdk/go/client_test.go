package mdcnsdk

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComposeSendsIdentityAndDecodesPartial(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v0/messages/intelligence", r.URL.Path)
		assert.Equal(t, "0xabc", r.Header.Get("X-Identity"))
		var msg Message
		require.NoError(t, json.NewDecoder(r.Body).Decode(&msg))
		assert.Equal(t, "admins", msg.Destination)
		w.WriteHeader(http.StatusMultiStatus)
		_, _ = w.Write([]byte(`{"kind":"intelligence","delivered":1,"failed":1,"results":[{"ok":true,"id":4},{"ok":false,"error":{"code":"ledger_unavailable","message":"down"}}]}`))
	}))
	defer srv.Close()

	c := New(srv.URL)
	c.Identity = "0xabc"
	d, err := c.Compose(context.Background(), "intelligence", Message{Destination: "admins", Body: "contact"})
	require.NoError(t, err)
	assert.True(t, d.Partial())
	assert.Equal(t, uint64(4), d.Results[0].ID)
	assert.Equal(t, "ledger_unavailable", d.Results[1].Error.Code)
}

func TestErrorEnvelopeIsDecoded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"error":{"code":"rejected_write","message":"record 1 already acknowledged"}}`))
	}))
	defer srv.Close()

	c := New(srv.URL)
	c.BearerToken = "tok"
	_, err := c.Acknowledge(context.Background(), "command", 1)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusForbidden, apiErr.StatusCode)
	assert.Equal(t, "rejected_write", apiErr.Err.Code)
}
