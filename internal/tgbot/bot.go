package tgbot

import (
	"context"
	"fmt"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/bigredeye/deploygate/internal/config"
	"github.com/bigredeye/deploygate/internal/gates"
	lf "github.com/bigredeye/deploygate/internal/logfield"
	"github.com/bigredeye/deploygate/internal/scheduler"
)

// Approvals resolves gates on behalf of reviewers.
type Approvals interface {
	SubmitApproval(runID, gateID string, decision gates.Decision, actor string) (gates.Gate, error)
}

type Bot struct {
	bot       *tgbotapi.BotAPI
	log       *zap.Logger
	chatID    int64
	reviewers map[int64]string
	approvals Approvals
}

func NewBot(conf *config.Config, log *zap.Logger, approvals Approvals) (*Bot, error) {
	bot, err := tgbotapi.NewBotAPI(conf.Telegram.BotToken)
	if err != nil {
		return nil, errors.Wrap(err, "Failed to create telegram bot")
	}

	reviewers := make(map[int64]string)
	for _, reviewer := range conf.Reviewers {
		if reviewer.TelegramID != 0 {
			reviewers[reviewer.TelegramID] = reviewer.Identity
		}
	}
	return &Bot{
		bot:       bot,
		log:       log,
		chatID:    conf.Telegram.ChatID,
		reviewers: reviewers,
		approvals: approvals,
	}, nil
}

// GateWaiting posts the notice to the reviewers chat.
func (b *Bot) GateWaiting(ctx context.Context, notice *scheduler.GateNotice) error {
	if b.chatID == 0 {
		return nil
	}
	_, err := b.bot.Send(tgbotapi.NewMessage(b.chatID, formatNotice(notice)))
	return errors.Wrap(err, "Failed to send gate notice")
}

func (b *Bot) Run(ctx context.Context) {
	b.log.Info("Authorized on account", zap.String("username", b.bot.Self.UserName))

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60

	updates := b.bot.GetUpdatesChan(u)

	for {
		select {
		case update := <-updates:
			if err := b.handleUpdate(update); err != nil {
				b.log.Error("Failed to handle update", zap.Error(err), zap.Int("update_id", update.UpdateID))
			}
		case <-ctx.Done():
			b.bot.StopReceivingUpdates()
			return
		}
	}
}

func (b *Bot) handleUpdate(update tgbotapi.Update) error {
	if update.Message == nil || !update.Message.IsCommand() {
		return nil
	}
	b.log.Info("Got command",
		zap.String("user", update.Message.From.UserName),
		zap.String("text", update.Message.Text),
	)

	text := b.handleCommand(update.Message.From.ID, update.Message.Command(), update.Message.CommandArguments())

	msg := tgbotapi.NewMessage(update.Message.Chat.ID, text)
	msg.ReplyToMessageID = update.Message.MessageID

	_, err := b.bot.Send(msg)
	return err
}

func (b *Bot) handleCommand(from int64, command, arguments string) string {
	decision, runID, gateID, err := parseCommand(command, arguments)
	if err != nil {
		return err.Error()
	}

	identity, found := b.reviewers[from]
	if !found {
		b.log.Warn("Decision from unknown telegram user", zap.Int64("telegram_id", from))
		return "You are not a known reviewer"
	}

	gate, err := b.approvals.SubmitApproval(runID, gateID, decision, identity)
	if err != nil {
		b.log.Warn("Failed to resolve gate", lf.RunID(runID), lf.GateID(gateID), lf.Actor(identity), zap.Error(err))
		return fmt.Sprintf("Failed to %s gate %s: %s", decision, gateID, err)
	}
	return fmt.Sprintf("Gate %s of run %s is %s by %s", gate.ID, runID, gate.Status, gate.ResolvedBy)
}

func parseCommand(command, arguments string) (decision gates.Decision, runID, gateID string, err error) {
	switch command {
	case "approve":
		decision = gates.Approve
	case "reject":
		decision = gates.Reject
	default:
		return "", "", "", fmt.Errorf("Unknown command /%s, use /approve or /reject", command)
	}

	args := strings.Fields(arguments)
	if len(args) != 2 {
		return "", "", "", fmt.Errorf("Usage: /%s <run> <gate>", command)
	}
	return decision, args[0], args[1], nil
}

func formatNotice(notice *scheduler.GateNotice) string {
	builder := strings.Builder{}
	fmt.Fprintf(&builder, "Pipeline %s", notice.Pipeline)
	if notice.Ref != "" {
		fmt.Fprintf(&builder, " (%s)", notice.Ref)
	}
	fmt.Fprintf(&builder, " is waiting for gate %s\n", notice.Gate.ID)
	fmt.Fprintf(&builder, "Run: %s\n", notice.RunID)
	fmt.Fprintf(&builder, "Blocked jobs: %s\n", strings.Join(notice.Jobs, ", "))
	fmt.Fprintf(&builder, "Approvers: %s\n", strings.Join(notice.Gate.Approvers, ", "))
	if notice.Gate.Timeout > 0 {
		fmt.Fprintf(&builder, "Rejected automatically after %s\n", notice.Gate.Timeout)
	}
	fmt.Fprintf(&builder, "/approve %s %s\n/reject %s %s", notice.RunID, notice.Gate.ID, notice.RunID, notice.Gate.ID)
	return builder.String()
}
