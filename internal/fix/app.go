package fix

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/deluthium/liquidity-bridge/internal/lifecycle"
	"github.com/deluthium/liquidity-bridge/internal/tokens"
	"github.com/deluthium/liquidity-bridge/internal/upstream"
)

// QuoteEngine is the slice of the lifecycle engine the app layer drives.
type QuoteEngine interface {
	Submit(ctx context.Context, req lifecycle.SubmitRequest) (*lifecycle.Quote, error)
	Accept(ctx context.Context, quoteID string) (*lifecycle.Trade, error)
	Cancel(ctx context.Context, requestID string) error
	QuoteByRequest(requestID string) (*lifecycle.Quote, error)
}

// App routes application-level FIX messages (quote requests, orders,
// cancels, security list requests) into the quote engine.
type App struct {
	engine   QuoteEngine
	registry *tokens.Registry
}

// NewApp wires the router.
func NewApp(engine QuoteEngine, registry *tokens.Registry) *App {
	return &App{engine: engine, registry: registry}
}

// OnAppMessage implements Handler.
func (a *App) OnAppMessage(s *Session, msg *Message) {
	switch msg.MsgType() {
	case MsgTypeQuoteRequest:
		a.onQuoteRequest(s, msg)
	case MsgTypeNewOrderSingle:
		a.onNewOrderSingle(s, msg)
	case MsgTypeQuoteCancel:
		a.onQuoteCancel(s, msg)
	case MsgTypeSecurityListRequest:
		a.onSecurityListRequest(s, msg)
	default:
		s.sendBusinessReject(msg, fmt.Sprintf("message type %s not supported", msg.MsgType()))
	}
}

func (a *App) onQuoteRequest(s *Session, msg *Message) {
	reqID, ok := msg.Get(TagQuoteReqID)
	if !ok || reqID == "" {
		s.sendReject(msg, RejectReasonRequiredTagMissing, "QuoteReqID (131) required")
		return
	}
	symbol, ok := msg.Get(TagSymbol)
	if !ok {
		s.sendReject(msg, RejectReasonRequiredTagMissing, "Symbol (55) required")
		return
	}

	base, quote, err := a.registry.ResolveSymbol(symbol)
	if err != nil {
		s.sendReject(msg, RejectReasonOther, err.Error())
		return
	}

	side := lifecycle.SideSell
	if v, _ := msg.Get(TagSide); v == SideBuy {
		side = lifecycle.SideBuy
	}

	qtyStr, ok := msg.Get(TagOrderQty)
	if !ok {
		s.sendReject(msg, RejectReasonRequiredTagMissing, "OrderQty (38) required")
		return
	}
	qty, err := parseQty(qtyStr, base.Decimals)
	if err != nil {
		s.sendReject(msg, RejectReasonOther, fmt.Sprintf("bad OrderQty: %v", err))
		return
	}

	ctx := context.Background()
	q, err := a.engine.Submit(ctx, lifecycle.SubmitRequest{
		RequestID:      reqID,
		CounterpartyID: s.Config().CounterpartyID,
		BaseToken:      base,
		QuoteToken:     quote,
		Side:           side,
		Quantity:       qty,
		SourceIP:       s.conn.RemoteAddr().String(),
	})
	if err != nil {
		log.Warn().Str("session", s.ID).Str("request_id", reqID).Err(err).Msg("quote request failed")
		s.sendReject(msg, RejectReasonOther, err.Error())
		return
	}

	fields := map[int]string{
		TagQuoteReqID:     q.RequestID,
		TagQuoteID:        q.QuoteID,
		TagSymbol:         symbol,
		TagOrderQty:       qtyStr,
		TagQuoteType:      QuoteTypeTradeable,
		TagTransactTime:   FormatTime(q.CreatedAt),
		TagValidUntilTime: FormatTime(q.ExpiresAt),
	}
	// A counterparty sell hits our bid; a buy lifts our offer.
	if q.Side == lifecycle.SideSell {
		fields[TagBidPx] = q.Price.String()
	} else {
		fields[TagOfferPx] = q.Price.String()
	}
	s.send(MsgTypeQuote, fields)
}

func (a *App) onNewOrderSingle(s *Session, msg *Message) {
	clOrdID, _ := msg.Get(TagClOrdID)
	quoteID, hasQuote := msg.Get(TagQuoteID)
	if !hasQuote || quoteID == "" {
		a.sendExecReject(s, msg, clOrdID, "firm-only orders not supported, QuoteID (117) required")
		return
	}

	trade, err := a.engine.Accept(context.Background(), quoteID)
	if err != nil {
		text := err.Error()
		if errors.Is(err, lifecycle.ErrQuoteExpired) {
			text = "quote expired"
		}
		a.sendExecReject(s, msg, clOrdID, text)
		return
	}

	symbol, _ := msg.Get(TagSymbol)
	side, _ := msg.Get(TagSide)
	s.send(MsgTypeExecutionReport, map[int]string{
		TagOrderID:      trade.TradeID,
		TagClOrdID:      clOrdID,
		TagExecID:       uuid.NewString(),
		TagExecType:     ExecTypeTrade,
		TagOrdStatus:    OrdStatusFilled,
		TagSymbol:       symbol,
		TagSide:         side,
		TagAvgPx:        trade.Price.String(),
		TagCumQty:       qtyString(trade.Quantity, a.decimalsFor(symbol)),
		TagLeavesQty:    "0",
		TagTransactTime: FormatTime(trade.ExecutedAt),
	})
}

func (a *App) sendExecReject(s *Session, msg *Message, clOrdID, text string) {
	symbol, _ := msg.Get(TagSymbol)
	side, _ := msg.Get(TagSide)
	s.send(MsgTypeExecutionReport, map[int]string{
		TagOrderID:      uuid.NewString(),
		TagClOrdID:      clOrdID,
		TagExecID:       uuid.NewString(),
		TagExecType:     ExecTypeRejected,
		TagOrdStatus:    OrdStatusRejected,
		TagSymbol:       symbol,
		TagSide:         side,
		TagCumQty:       "0",
		TagLeavesQty:    "0",
		TagText:         text,
		TagTransactTime: FormatTime(time.Now()),
	})
}

// onQuoteCancel cancels the quote opened for the request id. No response is
// sent either way.
func (a *App) onQuoteCancel(s *Session, msg *Message) {
	reqID, ok := msg.Get(TagQuoteReqID)
	if !ok {
		return
	}
	if err := a.engine.Cancel(context.Background(), reqID); err != nil {
		log.Debug().Str("session", s.ID).Str("request_id", reqID).Err(err).Msg("quote cancel ignored")
	}
}

func (a *App) onSecurityListRequest(s *Session, msg *Message) {
	reqID, _ := msg.Get(TagSecurityReqID)

	pairs := a.registry.Pairs()
	groups := make([]map[int]string, 0, len(pairs))
	for _, p := range pairs {
		if !p.Active {
			continue
		}
		groups = append(groups, map[int]string{
			TagSymbol: p.BaseToken.Symbol + "/" + p.QuoteToken.Symbol,
		})
	}

	s.sendWithGroups(MsgTypeSecurityList, map[int]string{
		TagSecurityReqID:         reqID,
		TagSecurityResponseID:    uuid.NewString(),
		TagSecurityRequestResult: "0",
	}, TagNoRelatedSym, groups)
}

func (a *App) decimalsFor(symbol string) int {
	base, _, err := a.registry.ResolveSymbol(symbol)
	if err != nil {
		return 0
	}
	return base.Decimals
}

// parseQty converts a decimal venue quantity into base token units.
func parseQty(s string, decimals int) (upstream.Amount, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return upstream.Amount{}, err
	}
	if d.Sign() <= 0 {
		return upstream.Amount{}, fmt.Errorf("quantity must be positive")
	}
	scaled := d.Shift(int32(decimals))
	if !scaled.IsInteger() {
		return upstream.Amount{}, fmt.Errorf("quantity %s exceeds token precision %d", s, decimals)
	}
	return upstream.NewAmount(scaled.BigInt()), nil
}

// qtyString renders base token units back as a decimal venue quantity.
func qtyString(amount upstream.Amount, decimals int) string {
	if amount.Int == nil {
		return "0"
	}
	return decimal.NewFromBigInt(amount.Int, -int32(decimals)).String()
}
