package bot

import (
	"context"
	"fmt"
	"strings"
	"time"

	"curly-octo-trader/internal/domain"
	"curly-octo-trader/internal/service"

	"github.com/rs/zerolog/log"
	tele "gopkg.in/telebot.v3"
)

const commandTimeout = 5 * time.Second

type StatusReader interface {
	Get(ctx context.Context) (*service.Status, error)
}

type sender interface {
	Send(to tele.Recipient, what interface{}, opts ...interface{}) (*tele.Message, error)
}

// Notifier pushes trade notifications to one operator chat. A nil Notifier
// is valid and drops everything.
type Notifier struct {
	sender sender
	chat   tele.Recipient
	stop   func()
}

var newBot = tele.NewBot

// StartTelegramBot starts the operator bot when a token is configured and
// returns the notifier bound to chatID. Without a token it returns nil.
func StartTelegramBot(token string, chatID int64, status StatusReader) *Notifier {
	if token == "" {
		log.Info().Msg("TELEGRAM_BOT_TOKEN not set, skipping Telegram bot startup")
		return nil
	}
	b, err := newBot(tele.Settings{
		Token:  token,
		Poller: &tele.LongPoller{Timeout: 10 * time.Second},
	})
	if err != nil {
		log.Error().Err(err).Msg("failed to create Telegram bot, notifications disabled")
		return nil
	}

	if chatID != 0 {
		b.Use(onlyChat(chatID))
	}
	registerCommands(b, status)

	log.Info().Int64("chat_id", chatID).Msg("Telegram bot started")
	go b.Start()

	n := &Notifier{sender: b, stop: b.Stop}
	if chatID != 0 {
		n.chat = tele.ChatID(chatID)
	}
	return n
}

func onlyChat(chatID int64) tele.MiddlewareFunc {
	return func(next tele.HandlerFunc) tele.HandlerFunc {
		return func(c tele.Context) error {
			if c.Chat() == nil || c.Chat().ID != chatID {
				return nil
			}
			return next(c)
		}
	}
}

func registerCommands(b *tele.Bot, status StatusReader) {
	b.Handle("/ping", func(c tele.Context) error {
		return c.Send("pong")
	})

	reply := func(render func(*service.Status) string) tele.HandlerFunc {
		return func(c tele.Context) error {
			ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
			defer cancel()
			st, err := status.Get(ctx)
			if err != nil {
				return c.Send(fmt.Sprintf("Error loading status: %v", err))
			}
			return c.Send(render(st))
		}
	}
	b.Handle("/status", reply(formatStatus))
	b.Handle("/positions", reply(formatPositions))
	b.Handle("/pnl", reply(formatPnL))
}

// Stop ends long polling and waits for the poller to return.
func (n *Notifier) Stop() {
	if n == nil || n.stop == nil {
		return
	}
	n.stop()
	log.Info().Msg("Telegram bot stopped")
}

func (n *Notifier) NotifyOpen(ctx context.Context, p *domain.Position, sig domain.Signal) {
	n.send(formatOpen(p, sig))
}

func (n *Notifier) NotifyClose(ctx context.Context, p *domain.Position, reason string) {
	n.send(formatClose(p, reason))
}

func (n *Notifier) send(msg string) {
	if n == nil || n.sender == nil || n.chat == nil {
		return
	}
	if _, err := n.sender.Send(n.chat, msg); err != nil {
		log.Warn().Err(err).Msg("telegram notification failed")
	}
}

func formatOpen(p *domain.Position, sig domain.Signal) string {
	return fmt.Sprintf(
		"BUY %s\nWallet: %s\nEntry: $%.4f\nQuantity: %.6f\nConfidence: %.0f%%",
		p.Pair, shortAddr(p.Wallet), p.EntryPrice, p.Quantity, sig.Confidence*100,
	)
}

func formatClose(p *domain.Position, reason string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "SELL %s (%s)\nWallet: %s\nEntry: $%.4f", p.Pair, reason, shortAddr(p.Wallet), p.EntryPrice)
	if p.ExitPrice != nil {
		fmt.Fprintf(&b, "\nExit: $%.4f", *p.ExitPrice)
	}
	if p.PnL != nil && p.PnLPercent != nil {
		fmt.Fprintf(&b, "\nPnL: %+.2f USDC (%+.2f%%)", *p.PnL, *p.PnLPercent)
	}
	return b.String()
}

func formatStatus(st *service.Status) string {
	var b strings.Builder
	mode := "paper"
	if st.TradingEnabled {
		mode = "live"
	}
	fmt.Fprintf(&b, "%s engine (%s)\n", st.Pair, mode)
	if st.Indicators != nil {
		fmt.Fprintf(&b, "Price: $%.4f  RSI: %.1f  Regime: %s\n", st.Indicators.Price, st.Indicators.RSIFast, st.Indicators.Regime)
	}
	fmt.Fprintf(&b, "Open positions: %d/%d\n", st.OpenPositions, len(st.Wallets))
	fmt.Fprintf(&b, "Learner: %d outcomes, %.0f%% accurate\n", st.Learner.Outcomes, st.Learner.Accuracy*100)
	fmt.Fprintf(&b, "Updated: %s", st.UpdatedAt.UTC().Format(time.RFC3339))
	return b.String()
}

func formatPositions(st *service.Status) string {
	if st.OpenPositions == 0 {
		return "No open positions"
	}
	var b strings.Builder
	for _, w := range st.Wallets {
		if !w.HasPosition {
			continue
		}
		fmt.Fprintf(&b, "%s #%d: %.6f @ $%.4f (%.1fh)\n", shortAddr(w.Address), w.PositionID, w.Quantity, w.EntryPrice, w.AgeHours)
	}
	return strings.TrimRight(b.String(), "\n")
}

func formatPnL(st *service.Status) string {
	p := st.Performance
	return fmt.Sprintf(
		"Trades: %d\nWin rate: %.0f%%\nRealized PnL: %+.2f USDC\nLoss streak: %d",
		p.Trades, p.WinRate*100, p.RealizedPnL, p.ConsecutiveLosses,
	)
}

func shortAddr(addr string) string {
	if len(addr) <= 10 {
		return addr
	}
	return addr[:4] + "…" + addr[len(addr)-4:]
}
