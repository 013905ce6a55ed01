package bot

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/nerdneilsfield/telegram-veo-bot/internal/auth"
	"github.com/nerdneilsfield/telegram-veo-bot/internal/config"
	"github.com/nerdneilsfield/telegram-veo-bot/internal/i18n"
	"github.com/nerdneilsfield/telegram-veo-bot/internal/metrics"
	"github.com/nerdneilsfield/telegram-veo-bot/internal/pipeline"
	"github.com/nerdneilsfield/telegram-veo-bot/internal/session"
	"github.com/nerdneilsfield/telegram-veo-bot/internal/storage"
	"github.com/nerdneilsfield/telegram-veo-bot/pkg/kieapi"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const adminID = 99

type fakeSender struct {
	mu        sync.Mutex
	sent      []tgbotapi.Chattable
	requests  []tgbotapi.Chattable
	nextID    int
	panicOnce bool
}

func (f *fakeSender) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.panicOnce {
		f.panicOnce = false
		panic("send exploded")
	}
	f.sent = append(f.sent, c)
	f.nextID++
	return tgbotapi.Message{MessageID: f.nextID}, nil
}

func (f *fakeSender) Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, c)
	return &tgbotapi.APIResponse{Ok: true}, nil
}

func (f *fakeSender) GetFileDirectURL(fileID string) (string, error) {
	return "https://api.telegram.org/file/bot123:SECRET/photos/" + fileID + ".jpg", nil
}

// texts returns the text of every sent or edited message, in order.
func (f *fakeSender) texts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, c := range f.sent {
		switch m := c.(type) {
		case tgbotapi.MessageConfig:
			out = append(out, m.Text)
		case tgbotapi.EditMessageTextConfig:
			out = append(out, m.Text)
		}
	}
	return out
}

func (f *fakeSender) last() tgbotapi.Chattable {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		return nil
	}
	return f.sent[len(f.sent)-1]
}

func (f *fakeSender) videos() []tgbotapi.VideoConfig {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []tgbotapi.VideoConfig
	for _, c := range f.sent {
		if v, ok := c.(tgbotapi.VideoConfig); ok {
			out = append(out, v)
		}
	}
	return out
}

func (f *fakeSender) callbackAnswers() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, c := range f.requests {
		if cb, ok := c.(tgbotapi.CallbackConfig); ok {
			out = append(out, cb.Text)
		}
	}
	return out
}

func containsText(texts []string, sub string) bool {
	for _, t := range texts {
		if strings.Contains(t, sub) {
			return true
		}
	}
	return false
}

type fakeKIE struct {
	mu        sync.Mutex
	generated []map[string]interface{}
}

func (k *fakeKIE) handler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	switch r.URL.Path {
	case "/api/v1/veo/generate":
		var body map[string]interface{}
		_ = json.NewDecoder(r.Body).Decode(&body)
		k.mu.Lock()
		k.generated = append(k.generated, body)
		k.mu.Unlock()
		_, _ = w.Write([]byte(`{"code":200,"msg":"success","data":{"taskId":"abc123"}}`))
	case "/api/v1/veo/record-info":
		_, _ = w.Write([]byte(`{"code":200,"data":{"taskId":"abc123","successFlag":1,"response":{"resultUrls":["https://cdn.example/v.mp4"]}}}`))
	case "/api/v1/chat/credit":
		_, _ = w.Write([]byte(`{"code":200,"msg":"success","data":123.5}`))
	default:
		http.NotFound(w, r)
	}
}

func (k *fakeKIE) requests() []map[string]interface{} {
	k.mu.Lock()
	defer k.mu.Unlock()
	return append([]map[string]interface{}(nil), k.generated...)
}

type testEnv struct {
	deps   BotDeps
	sender *fakeSender
	kie    *fakeKIE
}

func newTestEnv(t *testing.T, mutate ...func(*config.Config)) *testEnv {
	t.Helper()
	logger := zaptest.NewLogger(t)

	kie := &fakeKIE{}
	srv := httptest.NewServer(http.HandlerFunc(kie.handler))
	t.Cleanup(srv.Close)

	cfg := &config.Config{BotToken: "123:SECRET"}
	cfg.KIE.APIKey = "k"
	cfg.KIE.BaseURL = srv.URL
	cfg.Balance.CostPerGeneration = 1
	cfg.Balance.InitialBalance = 3
	cfg.Admins.AdminUserIDs = []int64{adminID}
	for _, m := range mutate {
		m(cfg)
	}
	config.ApplyDefaults(cfg)

	db, err := storage.InitDB(filepath.Join(t.TempDir(), "bot.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = storage.CloseDB(db) })

	tr, err := i18n.NewManager("en", logger)
	require.NoError(t, err)

	prefs := storage.NewPreferenceStore(db, logger)
	jobs := storage.NewJobStore(db, logger)
	sessions := session.NewStore(session.Defaults{
		AspectRatio: cfg.Generation.DefaultAspectRatio,
		QualityTier: cfg.Generation.DefaultQualityTier,
		Language:    cfg.DefaultLanguage,
	}, prefs, logger)
	balance := storage.NewGormBalanceManager(db, cfg.Balance.InitialBalance, cfg.Balance.CostPerGeneration, logger)
	m := metrics.New("test")
	client := kieapi.NewClient(kieapi.Options{APIKey: cfg.KIE.APIKey, BaseURL: cfg.KIE.BaseURL, Logger: logger})

	sender := &fakeSender{}
	p := pipeline.New(pipeline.Options{
		API:          client,
		Deliverer:    pipeline.NewDeliverer(pipeline.DeliveryOptions{TempDir: t.TempDir(), Metrics: m, Logger: logger}),
		Sessions:     sessions,
		Translator:   tr,
		Jobs:         jobs,
		Billing:      balance,
		Metrics:      m,
		Logger:       logger,
		PollInterval: 10 * time.Millisecond,
		Deadline:     5 * time.Second,
		ModelForTier: cfg.KIE.ModelForTier,
	})

	return &testEnv{
		sender: sender,
		kie:    kie,
		deps: BotDeps{
			Bot:            sender,
			Config:         cfg,
			Sessions:       sessions,
			Pipeline:       p,
			KIE:            client,
			Jobs:           jobs,
			Preferences:    prefs,
			BalanceManager: balance,
			Authorizer:     auth.NewAuthorizer(cfg.Auth.AuthorizedUserIDs, cfg.Admins.AdminUserIDs),
			I18n:           tr,
			Metrics:        m,
			Version:        "v1.2.3",
			BuildDate:      "today",
			Logger:         logger,
		},
	}
}

func textMessage(userID int64, text string) tgbotapi.Update {
	msg := &tgbotapi.Message{
		MessageID: 1,
		From:      &tgbotapi.User{ID: userID},
		Chat:      &tgbotapi.Chat{ID: userID},
		Text:      text,
	}
	if strings.HasPrefix(text, "/") {
		cmd := strings.SplitN(text, " ", 2)[0]
		msg.Entities = []tgbotapi.MessageEntity{{Type: "bot_command", Offset: 0, Length: len(cmd)}}
	}
	return tgbotapi.Update{Message: msg}
}

func photoMessage(userID int64, caption string) tgbotapi.Update {
	return tgbotapi.Update{Message: &tgbotapi.Message{
		MessageID: 2,
		From:      &tgbotapi.User{ID: userID},
		Chat:      &tgbotapi.Chat{ID: userID},
		Caption:   caption,
		Photo: []tgbotapi.PhotoSize{
			{FileID: "small", Width: 90},
			{FileID: "large", Width: 1280},
		},
	}}
}

func callback(userID int64, data string) tgbotapi.Update {
	return tgbotapi.Update{CallbackQuery: &tgbotapi.CallbackQuery{
		ID:      "cb1",
		From:    &tgbotapi.User{ID: userID},
		Message: &tgbotapi.Message{MessageID: 42, Chat: &tgbotapi.Chat{ID: userID}},
		Data:    data,
	}}
}

func (e *testEnv) handle(t *testing.T, update tgbotapi.Update) {
	t.Helper()
	HandleUpdate(context.Background(), update, e.deps)
}

func callbackData(markup interface{}) []string {
	kb, ok := markup.(tgbotapi.InlineKeyboardMarkup)
	if !ok {
		return nil
	}
	var out []string
	for _, row := range kb.InlineKeyboard {
		for _, b := range row {
			if b.CallbackData != nil {
				out = append(out, *b.CallbackData)
			}
		}
	}
	return out
}

func TestStartShowsSettingsMenu(t *testing.T) {
	env := newTestEnv(t)
	env.handle(t, textMessage(1, "/start"))

	msg, ok := env.sender.last().(tgbotapi.MessageConfig)
	require.True(t, ok)
	assert.Contains(t, msg.Text, "Send me a video idea")
	data := callbackData(msg.ReplyMarkup)
	assert.Contains(t, data, cbOpenAspect)
	assert.Contains(t, data, cbOpenModel)
	assert.Contains(t, data, cbOpenLang)
	assert.NotContains(t, data, cbEnrichToggle)
}

func TestUnauthorizedUserIsRejected(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) { c.Auth.AuthorizedUserIDs = []int64{1} })

	env.handle(t, textMessage(2, "a fox"))
	env.deps.Pipeline.Wait()
	assert.Equal(t, []string{"⛔ You are not allowed to use this bot."}, env.sender.texts())
	assert.Empty(t, env.kie.requests())

	// admins bypass the allow-list
	env.handle(t, textMessage(adminID, "/help"))
	assert.True(t, containsText(env.sender.texts(), "/status <taskId>"))
}

func TestTextPromptRunsGeneration(t *testing.T) {
	env := newTestEnv(t)
	env.handle(t, textMessage(1, "a fox in the snow"))
	env.deps.Pipeline.Wait()

	reqs := env.kie.requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "a fox in the snow", reqs[0]["prompt"])
	assert.Equal(t, "16:9", reqs[0]["aspectRatio"])
	assert.Equal(t, "veo3_fast", reqs[0]["model"])
	assert.NotContains(t, reqs[0], "imageUrls")

	texts := env.sender.texts()
	assert.True(t, containsText(texts, "Task created! ID: abc123"))

	videos := env.sender.videos()
	require.Len(t, videos, 1)
	assert.Equal(t, tgbotapi.FileURL("https://cdn.example/v.mp4"), videos[0].File)
	assert.Equal(t, "🎬 a fox in the snow", videos[0].Caption)

	// one credit charged
	assert.Equal(t, 2.0, env.deps.BalanceManager.GetBalance(1))

	rec, err := env.deps.Jobs.FindByTaskID("abc123")
	require.NoError(t, err)
	assert.Equal(t, storage.JobStateSucceeded, rec.State)
}

func TestPhotoWithoutCaptionBecomesReference(t *testing.T) {
	env := newTestEnv(t)

	env.handle(t, photoMessage(1, ""))
	assert.True(t, containsText(env.sender.texts(), "Photo saved"))
	sess, ok := env.deps.Sessions.Get(1)
	require.True(t, ok)
	assert.Equal(t, session.ModeAwaitingPrompt, sess.Mode)

	env.handle(t, textMessage(1, "make it move"))
	env.deps.Pipeline.Wait()

	reqs := env.kie.requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, []interface{}{"https://api.telegram.org/file/bot123:SECRET/photos/large.jpg"}, reqs[0]["imageUrls"])

	sess, _ = env.deps.Sessions.Get(1)
	assert.Equal(t, session.ModeIdle, sess.Mode)
	assert.Empty(t, sess.LastReferenceImageURL)

	// the stored history never keeps the bot token
	rec, err := env.deps.Jobs.FindByTaskID("abc123")
	require.NoError(t, err)
	assert.NotContains(t, rec.ReferenceImageURL, "SECRET")
}

func TestPhotoWithCaptionRunsImageToVideo(t *testing.T) {
	env := newTestEnv(t)
	env.handle(t, photoMessage(1, "  waves crashing "))
	env.deps.Pipeline.Wait()

	reqs := env.kie.requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "waves crashing", reqs[0]["prompt"])
	assert.Len(t, reqs[0]["imageUrls"], 1)
}

func TestCallbacksUpdateAndPersistSettings(t *testing.T) {
	env := newTestEnv(t)

	env.handle(t, callback(1, "open:aspect"))
	edit, ok := env.sender.last().(tgbotapi.EditMessageTextConfig)
	require.True(t, ok)
	assert.Equal(t, "Choose a format:", edit.Text)
	assert.Equal(t, 42, edit.MessageID)

	env.handle(t, callback(1, "aspect:9:16"))
	env.handle(t, callback(1, "model:quality"))

	sess, _ := env.deps.Sessions.Get(1)
	assert.Equal(t, "9:16", sess.AspectRatio)
	assert.Equal(t, "quality", sess.QualityTier)

	prefs, err := env.deps.Preferences.LoadPreferences(1)
	require.NoError(t, err)
	require.NotNil(t, prefs)
	assert.Equal(t, "9:16", prefs.AspectRatio)
	assert.Equal(t, "quality", prefs.QualityTier)

	assert.True(t, containsText(env.sender.texts(), "Mode set: Quality 🎬 (veo3)"))
	// every callback is answered
	assert.Len(t, env.sender.callbackAnswers(), 3)

	env.handle(t, textMessage(1, "a fox"))
	env.deps.Pipeline.Wait()
	reqs := env.kie.requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "veo3", reqs[0]["model"])
	assert.Equal(t, "9:16", reqs[0]["aspectRatio"])
}

func TestLegacyModelCallback(t *testing.T) {
	env := newTestEnv(t)
	env.handle(t, callback(1, "model:veo3"))
	sess, _ := env.deps.Sessions.Get(1)
	assert.Equal(t, "quality", sess.QualityTier)
}

func TestUnknownCallbacks(t *testing.T) {
	env := newTestEnv(t)
	for _, data := range []string{"aspect:4:3", "model:turbo", "lang:xx", "nope", "enrich:toggle"} {
		env.handle(t, callback(1, data))
	}
	answers := env.sender.callbackAnswers()
	require.Len(t, answers, 5)
	for _, a := range answers[:4] {
		assert.Equal(t, "This button is no longer valid. Use /menu.", a)
	}
	assert.Equal(t, "Prompt enhancement is not configured on this bot.", answers[4])

	sess, _ := env.deps.Sessions.Get(1)
	assert.Equal(t, "16:9", sess.AspectRatio)
}

func TestEnrichToggle(t *testing.T) {
	env := newTestEnv(t)
	env.deps.EnrichEnabled = true

	env.handle(t, callback(1, "enrich:toggle"))
	sess, _ := env.deps.Sessions.Get(1)
	assert.True(t, sess.Enrich)

	env.handle(t, callback(1, "enrich:toggle"))
	sess, _ = env.deps.Sessions.Get(1)
	assert.False(t, sess.Enrich)
}

func TestLanguageSwitch(t *testing.T) {
	env := newTestEnv(t)
	env.handle(t, callback(1, "lang:ru"))

	edit, ok := env.sender.last().(tgbotapi.EditMessageTextConfig)
	require.True(t, ok)
	assert.True(t, strings.HasPrefix(edit.Text, "Язык установлен"))

	env.handle(t, textMessage(1, "/help"))
	assert.True(t, strings.HasPrefix(env.sender.texts()[1], "/start — меню параметров"))

	prefs, err := env.deps.Preferences.LoadPreferences(1)
	require.NoError(t, err)
	assert.Equal(t, "ru", prefs.Language)
}

func TestCancelCommand(t *testing.T) {
	env := newTestEnv(t)
	env.handle(t, textMessage(1, "/cancel"))
	assert.Equal(t, []string{"Nothing to cancel."}, env.sender.texts())

	ctx, release := env.deps.Sessions.Track(1, context.Background())
	defer release()
	env.handle(t, textMessage(1, "/cancel"))
	assert.Equal(t, "🛑 Cancelled 1 running generation(s).", env.sender.texts()[1])
	assert.Error(t, ctx.Err())
}

func TestStatusCommand(t *testing.T) {
	env := newTestEnv(t)

	env.handle(t, textMessage(1, "/status"))
	assert.Equal(t, []string{"Usage: /status <taskId>"}, env.sender.texts())

	env.handle(t, textMessage(1, "/status abc123"))
	videos := env.sender.videos()
	require.Len(t, videos, 1)
	assert.Equal(t, "🎬 Task abc123", videos[0].Caption)
}

func TestJobsCommand(t *testing.T) {
	env := newTestEnv(t)
	env.handle(t, textMessage(1, "/jobs"))
	assert.Equal(t, []string{"You have no generations yet."}, env.sender.texts())

	env.handle(t, textMessage(1, "a fox"))
	env.deps.Pipeline.Wait()
	env.handle(t, textMessage(1, "/jobs"))

	msg, ok := env.sender.last().(tgbotapi.MessageConfig)
	require.True(t, ok)
	assert.Contains(t, msg.Text, "Your recent generations:")
	assert.Contains(t, msg.Text, "succeeded")
	assert.Contains(t, msg.Text, "abc123")
	assert.Contains(t, msg.Text, "a fox")
}

func TestBalanceCommand(t *testing.T) {
	env := newTestEnv(t)
	env.handle(t, textMessage(1, "/balance"))
	assert.Equal(t, []string{"💰 Your balance: 3.00 credits (one video costs 1.00)."}, env.sender.texts())

	env.handle(t, textMessage(adminID, "/balance"))
	texts := env.sender.texts()
	assert.Equal(t, "KIE account credits: 123.50", texts[len(texts)-1])
}

func TestTopUpCommand(t *testing.T) {
	env := newTestEnv(t)

	env.handle(t, textMessage(1, "/topup 1 10"))
	assert.Equal(t, []string{"Only administrators can use this command."}, env.sender.texts())

	env.handle(t, textMessage(adminID, "/topup 1 abc"))
	assert.Equal(t, "Usage: /topup <userID> <amount>", env.sender.texts()[1])

	env.handle(t, textMessage(adminID, "/topup 1 10"))
	assert.Equal(t, "✅ Added 10.00 to user 1. New balance: 13.00.", env.sender.texts()[2])
	assert.Equal(t, 13.0, env.deps.BalanceManager.GetBalance(1))
}

func TestVersionAndUnknownCommand(t *testing.T) {
	env := newTestEnv(t)
	env.handle(t, textMessage(1, "/version"))
	env.handle(t, textMessage(1, "/frobnicate"))
	texts := env.sender.texts()
	require.Len(t, texts, 2)
	assert.Contains(t, texts[0], "Version: v1.2.3")
	assert.Equal(t, "Unknown command. See /help.", texts[1])
}

func TestPanicInHandlerIsRecovered(t *testing.T) {
	env := newTestEnv(t)
	env.sender.panicOnce = true

	assert.NotPanics(t, func() { env.handle(t, textMessage(1, "/help")) })
	assert.Equal(t, []string{"❌ Something went wrong while processing your request. Please try again later."}, env.sender.texts())
}

func TestSetBotCommands(t *testing.T) {
	env := newTestEnv(t)
	SetBotCommands(env.sender, env.deps.Logger, "en", env.deps.I18n)

	require.Len(t, env.sender.requests, 1)
	cmds, ok := env.sender.requests[0].(tgbotapi.SetMyCommandsConfig)
	require.True(t, ok)
	require.Len(t, cmds.Commands, 9)
	assert.Equal(t, "start", cmds.Commands[0].Command)
	for _, c := range cmds.Commands {
		assert.False(t, strings.HasPrefix(c.Description, "command_desc_"), "missing translation for %s", c.Command)
	}
}
