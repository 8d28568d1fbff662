package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"transitbot/internal/store"
)

// recordingSender captures outgoing messages in order.
type recordingSender struct {
	mu   sync.Mutex
	sent []OutgoingMessage
}

func (s *recordingSender) SendMessage(_ context.Context, msg OutgoingMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, msg)
	return nil
}

func (s *recordingSender) messages() []OutgoingMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]OutgoingMessage(nil), s.sent...)
}

// staticInvoker answers every message with a fixed text.
type staticInvoker struct {
	answer string
	mu     sync.Mutex
	asked  []string
}

func (i *staticInvoker) Invoke(_ context.Context, _, text string) string {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.asked = append(i.asked, text)
	return i.answer
}

func newTestBot(t *testing.T, invoker Invoker) (*Bot, *recordingSender, *store.Store) {
	t.Helper()
	st, err := store.Open(":memory:", zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	sender := &recordingSender{}
	bot := NewBot(sender, st, invoker, zaptest.NewLogger(t), BotConfig{WebhookPath: "/hook"})
	return bot, sender, st
}

func postUpdate(t *testing.T, bot *Bot, update Update) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(update)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/hook", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	bot.Router().ServeHTTP(rec, req)
	return rec
}

func messageFrom(id int64, text string) *Message {
	return &Message{
		From: &User{ID: id, Username: "ana", FirstName: "Ana"},
		Chat: Chat{ID: id},
		Text: text,
	}
}

func TestStartSendsWelcomeWithContactKeyboard(t *testing.T) {
	bot, sender, st := newTestBot(t, &staticInvoker{})

	rec := postUpdate(t, bot, Update{UpdateID: 1, Message: messageFrom(7, "/start")})
	require.Equal(t, http.StatusOK, rec.Code)
	bot.Wait()

	sent := sender.messages()
	require.Len(t, sent, 1)
	assert.Contains(t, sent[0].Text, "TransmiBot")
	assert.Equal(t, "Markdown", sent[0].ParseMode)
	require.NotNil(t, sent[0].ReplyMarkup)
	require.True(t, sent[0].ReplyMarkup.Keyboard[0][0].RequestContact)

	exists, err := st.UserExists("7")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestHelpListsCommands(t *testing.T) {
	bot, sender, _ := newTestBot(t, &staticInvoker{})

	postUpdate(t, bot, Update{UpdateID: 2, Message: messageFrom(7, "/help")})
	bot.Wait()

	sent := sender.messages()
	require.Len(t, sent, 1)
	assert.Contains(t, sent[0].Text, "/start")
	assert.Contains(t, sent[0].Text, "/help")
}

func TestContactRegistersPhoneNumber(t *testing.T) {
	bot, sender, st := newTestBot(t, &staticInvoker{})

	msg := messageFrom(7, "")
	msg.Contact = &Contact{PhoneNumber: "+573001234567", UserID: 7}
	postUpdate(t, bot, Update{UpdateID: 3, Message: msg})
	bot.Wait()

	sent := sender.messages()
	require.Len(t, sent, 1)
	assert.Contains(t, sent[0].Text, "Gracias por compartir")

	exists, err := st.UserExists("7")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestTextAcksThenAnswersInBackground(t *testing.T) {
	invoker := &staticInvoker{answer: "Tu ruta tarda 25 minutos 🚌"}
	bot, sender, st := newTestBot(t, invoker)

	rec := postUpdate(t, bot, Update{UpdateID: 4, Message: messageFrom(7, "¿cómo llego al centro?")})
	require.Equal(t, http.StatusOK, rec.Code)
	bot.Wait()

	sent := sender.messages()
	require.Len(t, sent, 2)
	assert.Equal(t, processingText, sent[0].Text)
	assert.Equal(t, "Tu ruta tarda 25 minutos 🚌", sent[1].Text)
	assert.Equal(t, []string{"¿cómo llego al centro?"}, invoker.asked)

	// Both sides of the exchange were recorded.
	n, err := st.InteractionCount("7")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestSlowAnswerDoesNotDelayWebhookAck(t *testing.T) {
	release := make(chan struct{})
	bot, _, _ := newTestBot(t, invokerFunc(func(ctx context.Context) string {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return "tarde"
	}))

	done := make(chan struct{})
	go func() {
		postUpdate(t, bot, Update{UpdateID: 5, Message: messageFrom(7, "hola")})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("webhook ack waited for the agent answer")
	}
	close(release)
	bot.Wait()
}

type invokerFunc func(ctx context.Context) string

func (f invokerFunc) Invoke(ctx context.Context, _, _ string) string { return f(ctx) }

// blockingSender parks every SendMessage until released, standing in for a
// stalled Bot API connection.
type blockingSender struct {
	release chan struct{}
}

func (s *blockingSender) SendMessage(ctx context.Context, _ OutgoingMessage) error {
	select {
	case <-s.release:
	case <-ctx.Done():
	}
	return nil
}

func TestSlowSendDoesNotDelayWebhookAck(t *testing.T) {
	sender := &blockingSender{release: make(chan struct{})}
	st, err := store.Open(":memory:", zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	bot := NewBot(sender, st, &staticInvoker{answer: "listo"}, zaptest.NewLogger(t), BotConfig{WebhookPath: "/hook"})

	done := make(chan struct{})
	go func() {
		rec := postUpdate(t, bot, Update{UpdateID: 7, Message: messageFrom(7, "hola")})
		assert.Equal(t, http.StatusOK, rec.Code)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("webhook ack waited for an outbound send")
	}
	close(sender.release)
	bot.Wait()
}

func TestMalformedUpdateIsAckedAndDropped(t *testing.T) {
	bot, sender, _ := newTestBot(t, &staticInvoker{})

	req := httptest.NewRequest(http.MethodPost, "/hook", strings.NewReader("{not json"))
	rec := httptest.NewRecorder()
	bot.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, sender.messages())
}

func TestUpdateWithoutMessageIsIgnored(t *testing.T) {
	bot, sender, _ := newTestBot(t, &staticInvoker{})

	rec := postUpdate(t, bot, Update{UpdateID: 6})
	require.Equal(t, http.StatusOK, rec.Code)
	bot.Wait()
	assert.Empty(t, sender.messages())
}

func TestHealthz(t *testing.T) {
	bot, _, _ := newTestBot(t, &staticInvoker{})

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	bot.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}
