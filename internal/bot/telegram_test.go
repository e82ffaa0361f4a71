package bot

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSendMessage(t *testing.T) {
	t.Parallel()

	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/bottest-token/sendMessage", r.URL.Path)
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		require.NoError(t, json.Unmarshal(body, &got))
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	c := NewClient("test-token", srv.URL, nil)
	require.NoError(t, c.SendMessage(context.Background(), 42, "привет"))

	assert.Equal(t, float64(42), got["chat_id"])
	assert.Equal(t, "привет", got["text"])
	assert.Equal(t, "HTML", got["parse_mode"])
	assert.NotContains(t, got, "reply_markup")
}

func TestSendMessageWithMarkup(t *testing.T) {
	t.Parallel()

	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &got))
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	c := NewClient("test-token", srv.URL, nil)
	markup := &InlineKeyboard{InlineKeyboard: [][]InlineButton{{
		{Text: "Открыть", WebApp: &WebAppInfo{URL: "https://app.example"}},
	}}}
	require.NoError(t, c.SendMessageWithMarkup(context.Background(), 42, "hi", markup))

	assert.Contains(t, got, "reply_markup")
}

func TestSendMessageAPIError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"ok":false,"description":"Bad Request: chat not found"}`))
	}))
	defer srv.Close()

	c := NewClient("test-token", srv.URL, nil)
	err := c.SendMessage(context.Background(), 42, "hi")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "chat not found")
}

func TestAnswerCallbackQuery(t *testing.T) {
	t.Parallel()

	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/bottest-token/answerCallbackQuery", r.URL.Path)
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &got))
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	c := NewClient("test-token", srv.URL, nil)
	require.NoError(t, c.AnswerCallbackQuery(context.Background(), "q1", ""))
	assert.Equal(t, "q1", got["callback_query_id"])
}
