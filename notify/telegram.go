package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/vitwit/x402-market/logger"
	"github.com/vitwit/x402-market/store"
	"github.com/vitwit/x402-market/types"
	"github.com/vitwit/x402-market/utils"
)

// Sender is the part of *tgbotapi.BotAPI used to deliver messages.
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// StatusFunc reports the entitlement status of a wallet.
type StatusFunc func(ctx context.Context, wallet string) (types.EntitlementStatus, error)

// Telegram sends events to the chat linked with the event's wallet and
// serves the /link and /status bot commands.
type Telegram struct {
	api    *tgbotapi.BotAPI
	send   Sender
	users  store.UserStore
	status StatusFunc
	logger logger.Logger
}

var _ Notifier = (*Telegram)(nil)

func NewTelegram(token string, users store.UserStore, status StatusFunc, log logger.Logger) (*Telegram, error) {
	if strings.TrimSpace(token) == "" {
		return nil, fmt.Errorf("telegram bot token is empty")
	}

	api, err := tgbotapi.NewBotAPI(strings.TrimSpace(token))
	if err != nil {
		return nil, fmt.Errorf("create telegram bot api: %w", err)
	}

	t := newTelegram(api, users, status, log)
	t.api = api
	return t, nil
}

func newTelegram(send Sender, users store.UserStore, status StatusFunc, log logger.Logger) *Telegram {
	if log == nil {
		log = logger.NoopLogger{}
	}
	return &Telegram{
		send:   send,
		users:  users,
		status: status,
		logger: log,
	}
}

// Notify is a no-op for wallets that never linked a chat.
func (t *Telegram) Notify(ctx context.Context, ev types.Event) error {
	chatID, err := t.users.TelegramIDForWallet(ctx, ev.Recipient)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("resolve telegram id: %w", err)
	}
	return t.SendText(ctx, chatID, render(ev))
}

func (t *Telegram) SendText(ctx context.Context, chatID int64, text string) error {
	if t.send == nil {
		return fmt.Errorf("telegram bot is not initialized")
	}
	if chatID == 0 {
		return fmt.Errorf("chat id is required")
	}

	if _, err := t.send.Send(tgbotapi.NewMessage(chatID, text)); err != nil {
		return fmt.Errorf("send telegram message: %w", err)
	}

	_ = ctx
	return nil
}

// Listen answers bot commands until ctx is done.
func (t *Telegram) Listen(ctx context.Context) error {
	if t.api == nil {
		return fmt.Errorf("telegram bot is not initialized")
	}

	updateCfg := tgbotapi.NewUpdate(0)
	updateCfg.Timeout = 30
	updates := t.api.GetUpdatesChan(updateCfg)
	defer t.api.StopReceivingUpdates()

	for {
		select {
		case <-ctx.Done():
			return nil
		case update := <-updates:
			msg := update.Message
			if msg == nil || msg.From == nil || !msg.IsCommand() {
				continue
			}

			reply := t.HandleCommand(ctx, msg.From.ID, msg.Command(), msg.CommandArguments())
			if reply == "" {
				continue
			}
			if err := t.SendText(ctx, msg.Chat.ID, reply); err != nil {
				t.logger.Warn("telegram reply failed", map[string]any{
					"command": msg.Command(),
					"error":   err.Error(),
				})
			}
		}
	}
}

// HandleCommand returns the reply to a bot command, or "" for commands the
// bot does not know.
func (t *Telegram) HandleCommand(ctx context.Context, userID int64, command, args string) string {
	switch command {
	case "start", "help":
		return "Commands:\n/link <wallet> link a wallet\n/status check your access"

	case "link":
		wallet := strings.TrimSpace(args)
		if wallet == "" {
			return "Usage: /link <wallet>"
		}
		if !validWallet(wallet) {
			return "That does not look like a wallet address."
		}

		err := t.users.LinkIdentity(ctx, userID, wallet)
		switch {
		case errors.Is(err, store.ErrIdentityConflict):
			return "That wallet is already linked to another account."
		case err != nil:
			t.logger.Error("link identity failed", map[string]any{"error": err.Error()})
			return "Could not link the wallet, try again later."
		}
		return "Linked " + short(wallet)

	case "status":
		wallet, err := t.users.WalletForTelegramID(ctx, userID)
		if errors.Is(err, store.ErrNotFound) {
			return "No wallet linked. Use /link <wallet> first."
		}
		if err != nil || t.status == nil {
			return "Could not read your status, try again later."
		}

		st, err := t.status(ctx, wallet)
		if err != nil {
			t.logger.Error("status lookup failed", map[string]any{"error": err.Error()})
			return "Could not read your status, try again later."
		}
		if !st.Active {
			return "No active access for " + short(wallet)
		}
		return fmt.Sprintf("Tier %s active, %s left", *st.Tier, time.Duration(st.SecondsLeft)*time.Second)
	}

	return ""
}

func validWallet(addr string) bool {
	return utils.ValidateAddressForNetwork(addr, types.NetworkSolana) == nil ||
		utils.ValidateAddressForNetwork(addr, types.NetworkBase) == nil
}

func render(ev types.Event) string {
	var lines []string
	switch ev.Type {
	case types.EventPaymentConfirmation, types.EventGatedUnlock:
		lines = append(lines,
			"Payment confirmed",
			"Tier: "+ev.Tier,
			"Amount: "+ev.Amount+" USDC",
		)
		if ev.AccessUntil != nil {
			lines = append(lines, "Access until: "+ev.AccessUntil.UTC().Format(time.RFC1123))
		}
	case types.EventSaleConfirmation:
		lines = append(lines,
			"You made a sale",
			"Item: "+ev.Item,
			"Amount: "+ev.Amount+" USDC",
			"Buyer: "+short(ev.Buyer),
		)
	case types.EventPurchaseConfirmation:
		lines = append(lines,
			"Purchase confirmed",
			"Item: "+ev.Item,
			"Amount: "+ev.Amount+" USDC",
		)
		if ev.ReceiptRef != "" {
			lines = append(lines, "Receipt: "+short(ev.ReceiptRef))
		}
	default:
		lines = append(lines, string(ev.Type))
	}
	if ev.Tx != "" {
		lines = append(lines, "Transaction: "+short(ev.Tx))
	}
	return strings.Join(lines, "\n")
}

func short(addr string) string {
	if len(addr) <= 10 {
		return addr
	}
	return addr[:4] + "..." + addr[len(addr)-4:]
}
