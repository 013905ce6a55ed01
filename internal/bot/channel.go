package bot

import (
	"context"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/nerdneilsfield/telegram-veo-bot/internal/pipeline"
)

// chatChannel reports a job's progress into one Telegram chat.
type chatChannel struct {
	bot    Sender
	chatID int64
}

func newChatChannel(bot Sender, chatID int64) *chatChannel {
	return &chatChannel{bot: bot, chatID: chatID}
}

func (c *chatChannel) SendMessage(ctx context.Context, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := c.bot.Send(tgbotapi.NewMessage(c.chatID, text))
	return err
}

// SendVideo lets Telegram fetch v.URL itself, or uploads v.Path.
func (c *chatChannel) SendVideo(ctx context.Context, v pipeline.Video, caption string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	var file tgbotapi.RequestFileData
	if v.Path != "" {
		file = tgbotapi.FilePath(v.Path)
	} else {
		file = tgbotapi.FileURL(v.URL)
	}
	video := tgbotapi.NewVideo(c.chatID, file)
	video.Caption = caption
	video.SupportsStreaming = true
	_, err := c.bot.Send(video)
	return err
}
