package telegram

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"transitbot/internal/store"
)

const welcomeText = "👋 ¡Hola! Soy *TransmiBot*, tu asistente de movilidad en Colombia.\n\n" +
	"🚗 Puedo ayudarte a:\n" +
	"• Calcular rutas con información de tráfico en tiempo real\n" +
	"• Buscar lugares cercanos (gasolineras, parqueaderos, etc.)\n" +
	"• Consultar el estado de multas en Simit por placa de vehículo\n\n" +
	"Para personalizar mejor tu experiencia, puedes compartir tu número de teléfono " +
	"tocando el botón de abajo (opcional)."

const helpText = "ℹ️ *Comandos disponibles*\n" +
	"• /start – Mensaje de bienvenida y resumen del bot.\n" +
	"• /help – Muestra esta lista de comandos.\n\n" +
	"También puedes escribirme directamente para: calcular rutas con tráfico," +
	" buscar lugares cercanos o consultar el estado de multas de tu vehículo en Simit."

const contactThanksText = "✅ ¡Gracias por compartir tu número! " +
	"Ahora puedo personalizar mejor tu experiencia."

const processingText = "Procesando ⏳"

// Invoker answers one user message. It never fails; failures come back as
// user-presentable text.
type Invoker interface {
	Invoke(ctx context.Context, identity, text string) string
}

// Bot handles webhook updates. Every update is acked immediately and
// processed by a background worker; replies go out via the Bot API.
type Bot struct {
	sender      Sender
	store       *store.Store
	invoker     Invoker
	logger      *zap.Logger
	webhookPath string

	// invokeTimeout bounds a background answer, browser capture included.
	invokeTimeout time.Duration

	inflight sync.WaitGroup
}

// BotConfig carries the webhook surface settings.
type BotConfig struct {
	WebhookPath   string
	InvokeTimeout time.Duration
}

// NewBot wires the webhook handler.
func NewBot(sender Sender, st *store.Store, invoker Invoker, logger *zap.Logger, cfg BotConfig) *Bot {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.WebhookPath == "" {
		cfg.WebhookPath = "/telegram/webhook"
	}
	if cfg.InvokeTimeout <= 0 {
		cfg.InvokeTimeout = 5 * time.Minute
	}
	return &Bot{
		sender:        sender,
		store:         st,
		invoker:       invoker,
		logger:        logger,
		webhookPath:   cfg.WebhookPath,
		invokeTimeout: cfg.InvokeTimeout,
	}
}

// Router builds the HTTP surface: the webhook endpoint plus a health probe.
func (b *Bot) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))
	})
	r.Post(b.webhookPath, b.handleWebhook)
	return r
}

// Wait blocks until all background answers have completed.
func (b *Bot) Wait() {
	b.inflight.Wait()
}

// handleWebhook always acks with 200 before any work. Telegram retries
// non-2xx responses and redelivers slow ones, and a malformed update will
// not get better on retry; processing runs on a background goroutine so the
// ack never waits on outbound HTTP.
func (b *Bot) handleWebhook(w http.ResponseWriter, r *http.Request) {
	defer w.WriteHeader(http.StatusOK)

	var update Update
	if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
		b.logger.Warn("undecodable webhook update", zap.Error(err))
		return
	}

	b.inflight.Add(1)
	go func() {
		defer b.inflight.Done()

		// Detached from the request context: the webhook is already acked.
		ctx, cancel := context.WithTimeout(context.Background(), b.invokeTimeout)
		defer cancel()
		b.dispatch(ctx, update)
	}()
}

func (b *Bot) dispatch(ctx context.Context, update Update) {
	msg := update.Message
	if msg == nil || msg.From == nil {
		b.logger.Debug("ignoring update without message sender",
			zap.Int64("update_id", update.UpdateID))
		return
	}

	identity := strconv.FormatInt(msg.From.ID, 10)
	log := b.logger.With(
		zap.String("identity", identity),
		zap.Int64("chat_id", msg.Chat.ID))

	switch {
	case msg.Contact != nil:
		b.handleContact(ctx, identity, msg, log)
	case strings.HasPrefix(msg.Text, "/start"):
		b.handleStart(ctx, identity, msg, log)
	case strings.HasPrefix(msg.Text, "/help"):
		b.reply(ctx, msg.Chat.ID, OutgoingMessage{Text: helpText, ParseMode: "Markdown"}, log)
	case strings.TrimSpace(msg.Text) != "":
		b.handleText(ctx, identity, msg, log)
	default:
		log.Debug("ignoring unsupported message type")
	}
}

func (b *Bot) handleStart(ctx context.Context, identity string, msg *Message, log *zap.Logger) {
	b.store.UpsertUser(identity, profileOf(msg.From))

	keyboard := &ReplyKeyboardMarkup{
		Keyboard: [][]KeyboardButton{{
			{Text: "Compartir mi teléfono 📱", RequestContact: true},
		}},
		ResizeKeyboard:  true,
		OneTimeKeyboard: true,
	}
	b.reply(ctx, msg.Chat.ID, OutgoingMessage{
		Text:        welcomeText,
		ParseMode:   "Markdown",
		ReplyMarkup: keyboard,
	}, log)
}

func (b *Bot) handleContact(ctx context.Context, identity string, msg *Message, log *zap.Logger) {
	profile := profileOf(msg.From)
	profile.PhoneNumber = msg.Contact.PhoneNumber
	b.store.UpsertUser(identity, profile)

	log.Info("contact shared")
	b.reply(ctx, msg.Chat.ID, OutgoingMessage{Text: contactThanksText}, log)
}

// handleText runs on the update worker goroutine: the user sees the
// processing note first, then the agent answer, while the webhook response
// has long since returned.
func (b *Bot) handleText(ctx context.Context, identity string, msg *Message, log *zap.Logger) {
	text := msg.Text
	chatID := msg.Chat.ID

	b.store.UpsertUser(identity, profileOf(msg.From))
	b.store.AppendInteraction(identity, text, "user")

	b.reply(ctx, chatID, OutgoingMessage{Text: processingText}, log)

	answer := b.invoker.Invoke(ctx, identity, text)
	b.store.AppendInteraction(identity, answer, "assistant")
	b.reply(ctx, chatID, OutgoingMessage{Text: answer}, log)
}

func (b *Bot) reply(ctx context.Context, chatID int64, msg OutgoingMessage, log *zap.Logger) {
	msg.ChatID = chatID
	if err := b.sender.SendMessage(ctx, msg); err != nil {
		log.Warn("failed to send message", zap.Error(err))
	}
}

func profileOf(u *User) store.UserProfile {
	return store.UserProfile{
		Username:  u.Username,
		FirstName: u.FirstName,
		LastName:  u.LastName,
	}
}
