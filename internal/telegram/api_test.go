package telegram

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSendMessagePostsToBotEndpoint(t *testing.T) {
	var gotPath string
	var gotBody OutgoingMessage

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	client := NewClient("123:abc", WithBaseURL(srv.URL))
	err := client.SendMessage(context.Background(), OutgoingMessage{ChatID: 42, Text: "hola"})

	require.NoError(t, err)
	assert.Equal(t, "/bot123:abc/sendMessage", gotPath)
	assert.Equal(t, int64(42), gotBody.ChatID)
	assert.Equal(t, "hola", gotBody.Text)
}

func TestSendMessageSurfacesAPIRejection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"ok":false,"description":"chat not found"}`))
	}))
	defer srv.Close()

	client := NewClient("123:abc", WithBaseURL(srv.URL))
	err := client.SendMessage(context.Background(), OutgoingMessage{ChatID: 42, Text: "hola"})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "chat not found")
}

func TestSendMessageSurfacesTransportFailure(t *testing.T) {
	client := NewClient("123:abc", WithBaseURL("http://127.0.0.1:1"))
	err := client.SendMessage(context.Background(), OutgoingMessage{ChatID: 42, Text: "hola"})
	require.Error(t, err)
}
