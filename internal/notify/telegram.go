package notify

import (
	"fmt"
	"log"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/netpass/coinwallet/internal/domain"
)

// Notifier pings human operators. Deposits need a reviewer to match bank
// evidence; failed compensations need someone paged.
type Notifier interface {
	DepositPendingReview(intent *domain.DepositIntent)
	CompensationFailed(orderID string, accountID, amount int64)
}

type Noop struct{}

func (Noop) DepositPendingReview(*domain.DepositIntent) {}
func (Noop) CompensationFailed(string, int64, int64)    {}

// Telegram sends review pings to a fixed admin chat.
type Telegram struct {
	bot    *tgbotapi.BotAPI
	chatID int64
}

func NewTelegram(token string, chatID int64) (*Telegram, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram init failed: %w", err)
	}
	return &Telegram{bot: bot, chatID: chatID}, nil
}

func (t *Telegram) send(text string) {
	msg := tgbotapi.NewMessage(t.chatID, text)
	if _, err := t.bot.Send(msg); err != nil {
		log.Printf("notify: telegram send failed: %v", err)
	}
}

func (t *Telegram) DepositPendingReview(intent *domain.DepositIntent) {
	t.send(fmt.Sprintf("💰 Deposit %s awaiting review\naccount %d, net %d coins via %s\nexpires %s",
		intent.ID, intent.AccountID, intent.NetAmount, intent.MethodID,
		intent.ExpiresAt.Format("15:04:05 MST")))
}

func (t *Telegram) CompensationFailed(orderID string, accountID, amount int64) {
	t.send(fmt.Sprintf("🚨 REFUND FAILED for order %s\naccount %d is owed %d coins — manual action required",
		orderID, accountID, amount))
}
