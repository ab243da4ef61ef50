package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vitwit/x402-market/store/memory"
	"github.com/vitwit/x402-market/types"
)

type fakeSender struct {
	mu   sync.Mutex
	sent []tgbotapi.MessageConfig
	err  error
}

func (f *fakeSender) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return tgbotapi.Message{}, f.err
	}
	if m, ok := c.(tgbotapi.MessageConfig); ok {
		f.sent = append(f.sent, m)
	}
	return tgbotapi.Message{}, nil
}

func TestNotifyLinkedWallet(t *testing.T) {
	users := memory.New()
	sender := &fakeSender{}
	tg := newTelegram(sender, users, nil, nil)

	wallet := solana.NewWallet().PublicKey().String()
	require.NoError(t, users.LinkIdentity(context.Background(), 42, wallet))

	until := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	err := tg.Notify(context.Background(), types.Event{
		Type:        types.EventPaymentConfirmation,
		Recipient:   wallet,
		Tier:        "pro",
		Amount:      "5",
		Tx:          "5VERv8NMvzbJMEkV8xnrLkEaWRtSz9CosKDYjCJjBRnbJLgp8uirBgmQpjKhoR4tjF3ZpRzrFmBV6UjKdiSZkQUW",
		AccessUntil: &until,
	})
	require.NoError(t, err)

	require.Len(t, sender.sent, 1)
	assert.Equal(t, int64(42), sender.sent[0].ChatID)
	assert.Contains(t, sender.sent[0].Text, "Tier: pro")
	assert.Contains(t, sender.sent[0].Text, "Amount: 5 USDC")
	assert.Contains(t, sender.sent[0].Text, "5VER...kQUW")
}

func TestNotifyUnlinkedWalletIsSilent(t *testing.T) {
	sender := &fakeSender{}
	tg := newTelegram(sender, memory.New(), nil, nil)

	err := tg.Notify(context.Background(), types.Event{Type: types.EventSaleConfirmation, Recipient: "nobody"})
	assert.NoError(t, err)
	assert.Empty(t, sender.sent)
}

func TestNotifySendFailure(t *testing.T) {
	users := memory.New()
	require.NoError(t, users.LinkIdentity(context.Background(), 1, "w"))

	tg := newTelegram(&fakeSender{err: errors.New("blocked by user")}, users, nil, nil)
	err := tg.Notify(context.Background(), types.Event{Type: types.EventPurchaseConfirmation, Recipient: "w"})
	assert.ErrorContains(t, err, "blocked by user")
}

func TestHandleCommandLink(t *testing.T) {
	users := memory.New()
	tg := newTelegram(&fakeSender{}, users, nil, nil)
	ctx := context.Background()

	wallet := solana.NewWallet().PublicKey().String()

	assert.Equal(t, "Usage: /link <wallet>", tg.HandleCommand(ctx, 1, "link", ""))
	assert.Contains(t, tg.HandleCommand(ctx, 1, "link", "not-a-wallet"), "does not look like")
	assert.Contains(t, tg.HandleCommand(ctx, 1, "link", " "+wallet+" "), "Linked")
	assert.Contains(t, tg.HandleCommand(ctx, 2, "link", wallet), "already linked")

	evm := "0x742d35Cc6634C0532925a3b844Bc454e4438f44e"
	assert.Contains(t, tg.HandleCommand(ctx, 2, "link", evm), "Linked")

	got, err := users.WalletForTelegramID(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, wallet, got)
}

func TestHandleCommandStatus(t *testing.T) {
	users := memory.New()
	ctx := context.Background()

	tier := "pro"
	statuses := map[string]types.EntitlementStatus{
		"active":  {Active: true, Tier: &tier, SecondsLeft: 3600},
		"expired": {Active: false, Tier: &tier},
	}
	status := func(_ context.Context, wallet string) (types.EntitlementStatus, error) {
		return statuses[wallet], nil
	}
	tg := newTelegram(&fakeSender{}, users, status, nil)

	assert.Contains(t, tg.HandleCommand(ctx, 1, "status", ""), "No wallet linked")

	require.NoError(t, users.LinkIdentity(ctx, 1, "active"))
	assert.Equal(t, "Tier pro active, 1h0m0s left", tg.HandleCommand(ctx, 1, "status", ""))

	require.NoError(t, users.LinkIdentity(ctx, 2, "expired"))
	assert.Contains(t, tg.HandleCommand(ctx, 2, "status", ""), "No active access")
}

func TestHandleCommandUnknown(t *testing.T) {
	tg := newTelegram(&fakeSender{}, memory.New(), nil, nil)
	assert.Empty(t, tg.HandleCommand(context.Background(), 1, "dance", ""))
	assert.Contains(t, tg.HandleCommand(context.Background(), 1, "help", ""), "/link")
}

type countingNotifier struct {
	n   int
	err error
}

func (c *countingNotifier) Notify(context.Context, types.Event) error {
	c.n++
	return c.err
}

func TestMulti(t *testing.T) {
	a := &countingNotifier{err: errors.New("a failed")}
	b := &countingNotifier{}

	err := Multi{a, Noop{}, b}.Notify(context.Background(), types.Event{})
	assert.EqualError(t, err, "a failed")
	assert.Equal(t, 1, a.n)
	assert.Equal(t, 1, b.n)
}
