// Package telegram serves diagnoses to Telegram chats.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"github.com/example/deepsight/internal/aggregator"
	"github.com/example/deepsight/internal/catalog"
	"github.com/example/deepsight/internal/usecase"
)

const (
	msgStart = `👋 Hi! I check photos of eyes for visible conditions.

📸 Send me a clear photo of your face and I will analyse each eye.

📋 Commands:
/both - analyse both eyes (default)
/single - analyse a single eye close-up
/help - how to take a good photo
/cancel - cancel the current operation`

	msgHelp = `ℹ️ How to use the bot:

1️⃣ Pick /both for a face photo or /single for one eye
2️⃣ Send the photo
3️⃣ You get the findings and a PDF report

💡 Tips:
• Use good, even lighting
• Look straight into the camera
• Keep the photo sharp`

	msgAwaitingBoth      = "📸 Send a photo of your face to analyse both eyes."
	msgAwaitingSingle    = "📸 Send a close-up photo of one eye."
	msgCancelled         = "❌ Operation cancelled."
	msgSendPhoto         = "📸 Please send a photo to analyse."
	msgUnknownCommand    = "❓ Unknown command. Use /help."
	msgProcessing        = "⏳ Analysing the image..."
	msgBusy              = "⏳ Still working on your previous photo."
	msgNoDetections      = "🔍 Please upload a clear image. No eyes could be analysed."
	msgProcessingError   = "⚠️ Could not analyse the image. Please try another photo."
	msgReportUnavailable = "⚠️ The PDF report could not be generated."
)

// Diagnoser is the use case surface used by the bot.
type Diagnoser interface {
	Diagnose(ctx context.Context, userID string, mode aggregator.Mode, imageBytes []byte) (*usecase.Diagnosis, error)
	BuildReport(ctx context.Context, userID, requestID string) (*usecase.Report, error)
}

// API is the subset of the Telegram client used by the bot.
type API interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	GetFileDirectURL(fileID string) (string, error)
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

// Bot answers chat messages with diagnoses.
type Bot struct {
	api        API
	diagnoser  Diagnoser
	sessions   *SessionStore
	catalog    *catalog.Catalog
	httpClient *http.Client
	logger     *zap.Logger
}

// NewBot authorises against the Telegram API with token.
func NewBot(token string, diagnoser Diagnoser, cat *catalog.Catalog, logger *zap.Logger) (*Bot, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, err
	}
	logger.Info("telegram bot authorised", zap.String("account", api.Self.UserName))
	return NewBotWithAPI(api, diagnoser, cat, logger), nil
}

// NewBotWithAPI builds a bot on top of an existing client.
func NewBotWithAPI(api API, diagnoser Diagnoser, cat *catalog.Catalog, logger *zap.Logger) *Bot {
	return &Bot{
		api:        api,
		diagnoser:  diagnoser,
		sessions:   NewSessionStore(),
		catalog:    cat,
		httpClient: http.DefaultClient,
		logger:     logger.Named("telegram"),
	}
}

// Run processes updates until ctx is done. Photos are analysed in their own
// goroutines so a chat can be told it is busy while its previous photo runs.
// Run returns once every started analysis has finished.
func (b *Bot) Run(ctx context.Context) error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60

	updates := b.api.GetUpdatesChan(u)
	defer b.api.StopReceivingUpdates()

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			if update.Message == nil {
				continue
			}
			job := b.handleMessage(ctx, update.Message)
			if job == nil {
				continue
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				job()
			}()
		}
	}
}

// handleMessage answers msg. A photo that passes the busy guard is returned as
// a job for the caller to run; everything else is answered inline.
func (b *Bot) handleMessage(ctx context.Context, msg *tgbotapi.Message) func() {
	if msg.IsCommand() {
		b.handleCommand(msg)
		return nil
	}

	fileID := ""
	switch {
	case len(msg.Photo) > 0:
		fileID = msg.Photo[len(msg.Photo)-1].FileID
	case msg.Document != nil:
		fileID = msg.Document.FileID
	}
	if fileID == "" {
		b.sendMessage(msg.Chat.ID, msgSendPhoto)
		return nil
	}

	if !b.sessions.TryBeginProcessing(msg.Chat.ID) {
		b.sendMessage(msg.Chat.ID, msgBusy)
		return nil
	}
	b.sendMessage(msg.Chat.ID, msgProcessing)
	return func() {
		defer b.sessions.SetState(msg.Chat.ID, StateIdle)
		b.handlePhoto(ctx, msg, fileID)
	}
}

func (b *Bot) handleCommand(msg *tgbotapi.Message) {
	chatID := msg.Chat.ID
	switch msg.Command() {
	case "start":
		b.sessions.SetState(chatID, StateIdle)
		b.sendMessage(chatID, msgStart)
	case "help":
		b.sendMessage(chatID, msgHelp)
	case "both":
		b.sessions.SetMode(chatID, aggregator.ModeTwoEyes)
		b.sendMessage(chatID, msgAwaitingBoth)
	case "single":
		b.sessions.SetMode(chatID, aggregator.ModeSingleEye)
		b.sendMessage(chatID, msgAwaitingSingle)
	case "cancel":
		b.sessions.SetState(chatID, StateIdle)
		b.sendMessage(chatID, msgCancelled)
	default:
		b.sendMessage(chatID, msgUnknownCommand)
	}
}

func (b *Bot) handlePhoto(ctx context.Context, msg *tgbotapi.Message, fileID string) {
	chatID := msg.Chat.ID
	imageData, err := b.downloadFile(ctx, fileID)
	if err != nil {
		b.logger.Error("failed to download photo", zap.Error(err), zap.Int64("chat_id", chatID))
		b.sendMessage(chatID, msgProcessingError)
		return
	}

	userID := chatUserID(msg)
	session := b.sessions.Get(chatID)
	diagnosis, err := b.diagnoser.Diagnose(ctx, userID, session.Mode, imageData)
	if errors.Is(err, usecase.ErrNoDetections) {
		b.sendMessage(chatID, msgNoDetections)
		return
	}
	if err != nil {
		b.logger.Error("diagnosis failed", zap.Error(err), zap.Int64("chat_id", chatID))
		b.sendMessage(chatID, msgProcessingError)
		return
	}

	b.sendMessage(chatID, FormatDiagnosis(diagnosis, b.catalog))

	rep, err := b.diagnoser.BuildReport(ctx, userID, diagnosis.RequestID)
	if err != nil {
		b.logger.Error("report failed", zap.Error(err), zap.String("request_id", diagnosis.RequestID))
		b.sendMessage(chatID, msgReportUnavailable)
		return
	}
	doc := tgbotapi.NewDocument(chatID, tgbotapi.FileBytes{Name: rep.Filename, Bytes: rep.Data})
	if _, err := b.api.Send(doc); err != nil {
		b.logger.Error("failed to send report", zap.Error(err), zap.Int64("chat_id", chatID))
	}
}

func (b *Bot) downloadFile(ctx context.Context, fileID string) ([]byte, error) {
	fileURL, err := b.api.GetFileDirectURL(fileID)
	if err != nil {
		return nil, fmt.Errorf("get file: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fileURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	resp, err := b.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download file: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download file: status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}
	return data, nil
}

func (b *Bot) sendMessage(chatID int64, text string) {
	if _, err := b.api.Send(tgbotapi.NewMessage(chatID, text)); err != nil {
		b.logger.Warn("failed to send message", zap.Error(err), zap.Int64("chat_id", chatID))
	}
}

func chatUserID(msg *tgbotapi.Message) string {
	id := msg.Chat.ID
	if msg.From != nil {
		id = msg.From.ID
	}
	return "telegram:" + strconv.FormatInt(id, 10)
}
