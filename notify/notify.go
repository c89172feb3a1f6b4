// Package notify tells the operator how a run ended.
package notify

import (
	"context"
	"fmt"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"longform-studio/config"
	"longform-studio/types"
)

// Notifier is told about finished runs.
type Notifier interface {
	Notify(ctx context.Context, run *types.PipelineRun) error
}

// Nop drops every notification.
type Nop struct{}

func (Nop) Notify(context.Context, *types.PipelineRun) error { return nil }

// Message renders the notification text for a run.
func Message(run *types.PipelineRun) string {
	var b strings.Builder
	switch run.Status {
	case types.StatusCompleted:
		b.WriteString("✅ Video ready")
	case types.StatusRejected:
		b.WriteString("🛑 Source rejected")
	case types.StatusFailed:
		b.WriteString("❌ Run failed")
	default:
		fmt.Fprintf(&b, "ℹ️ Run %s", run.Status)
	}
	fmt.Fprintf(&b, "\nRun: %s (project %s)", run.RunID, run.ProjectID)
	if run.Input.Niche != "" {
		fmt.Fprintf(&b, "\nNiche: %s", run.Input.Niche)
	}
	if run.Input.SourceURL != "" {
		fmt.Fprintf(&b, "\nSource: %s", run.Input.SourceURL)
	}

	switch run.Status {
	case types.StatusCompleted:
		if run.Metadata != nil && run.Metadata.Title != "" {
			fmt.Fprintf(&b, "\nTitle: %s", run.Metadata.Title)
		}
		if run.Voice != nil {
			fmt.Fprintf(&b, "\nDuration: %.0f min", run.Voice.DurationSec/60)
		} else if run.Compilation != nil {
			fmt.Fprintf(&b, "\nDuration: %.0f min", run.Compilation.TotalDuration/60)
		}
		if run.Upload != nil && run.Upload.VideoURL != "" {
			fmt.Fprintf(&b, "\nURL: %s", run.Upload.VideoURL)
		} else if run.VideoFile != "" {
			fmt.Fprintf(&b, "\nFile: %s", run.VideoFile)
		}
	case types.StatusRejected:
		if a := run.Analysis; a != nil {
			fmt.Fprintf(&b, "\nHook score: %.1f (%s), CTR potential: %s", a.HookScore, a.DominantTrigger, a.CTRPotential)
		}
	case types.StatusFailed:
		if run.Error != "" {
			fmt.Fprintf(&b, "\nError: %s", run.Error)
		}
	}
	return b.String()
}

// Telegram sends notifications to one chat through a bot.
type Telegram struct {
	bot    *tgbotapi.BotAPI
	chatID int64
	log    *zap.Logger
}

// NewTelegram authorizes the bot. Use NewTelegramWithBot to supply a client.
func NewTelegram(cfg config.TelegramConfig, logger *zap.Logger) (*Telegram, error) {
	bot, err := tgbotapi.NewBotAPI(cfg.BotToken)
	if err != nil {
		return nil, fmt.Errorf("telegram bot: %w", err)
	}
	return NewTelegramWithBot(bot, cfg.ChatID, logger), nil
}

func NewTelegramWithBot(bot *tgbotapi.BotAPI, chatID int64, logger *zap.Logger) *Telegram {
	if logger == nil {
		logger = zap.NewNop()
	}
	t := &Telegram{bot: bot, chatID: chatID, log: logger.Named("notify")}
	t.log.Info("[notify] telegram authorized", zap.String("bot", bot.Self.UserName))
	return t
}

func (t *Telegram) Notify(ctx context.Context, run *types.PipelineRun) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := t.bot.Send(tgbotapi.NewMessage(t.chatID, Message(run))); err != nil {
		return fmt.Errorf("telegram send: %w", err)
	}
	t.log.Info("[notify] 📨 notification sent", zap.String("run", run.RunID), zap.String("status", string(run.Status)))
	return nil
}

// New returns a Telegram notifier when a bot token and chat are configured,
// and Nop otherwise.
func New(cfg config.NotifyConfig, logger *zap.Logger) (Notifier, error) {
	if cfg.Telegram.BotToken == "" || cfg.Telegram.ChatID == 0 {
		return Nop{}, nil
	}
	return NewTelegram(cfg.Telegram, logger)
}
