package binanceclient

import (
	"context"
	"strconv"
	"time"

	"github.com/adshao/go-binance/v2/futures"

	"ladderbot/internal/domain"
)

// CreateListenKey obtains a new user-data stream credential.
func (c *Client) CreateListenKey(ctx context.Context) (string, error) {
	op := "CreateListenKey"
	if err := c.pace(ctx); err != nil {
		return "", err
	}
	key, err := c.futuresClient.NewStartUserStreamService().Do(ctx)
	if err != nil {
		return "", c.handleError(ctx, err, op)
	}
	c.logger.Info(ctx, op+" successful", nil)
	return key, nil
}

// KeepAliveListenKey renews a stream credential.
func (c *Client) KeepAliveListenKey(ctx context.Context, listenKey string) error {
	op := "KeepAliveListenKey"
	if err := c.pace(ctx); err != nil {
		return err
	}
	if err := c.futuresClient.NewKeepaliveUserStreamService().ListenKey(listenKey).Do(ctx); err != nil {
		return c.handleError(ctx, err, op)
	}
	c.logger.Debug(ctx, op+" successful")
	return nil
}

// CloseListenKey invalidates a stream credential on shutdown.
func (c *Client) CloseListenKey(ctx context.Context, listenKey string) error {
	op := "CloseListenKey"
	if err := c.pace(ctx); err != nil {
		return err
	}
	if err := c.futuresClient.NewCloseUserStreamService().ListenKey(listenKey).Do(ctx); err != nil {
		return c.handleError(ctx, err, op)
	}
	c.logger.Info(ctx, op+" successful", nil)
	return nil
}

// StreamUserData opens one raw user-data connection and delivers decoded
// domain events to handler. Reconnection and credential refresh are the
// stream manager's job; this method maps one socket, nothing more.
func (c *Client) StreamUserData(listenKey string, handler func(*domain.StreamEvent), errHandler func(error)) (chan struct{}, chan struct{}, error) {
	op := "StreamUserData"

	wsHandler := func(event *futures.WsUserDataEvent) {
		ev := translateUserDataEvent(event)
		if ev == nil {
			return
		}
		handler(ev)
	}
	wsErrHandler := func(err error) {
		errHandler(c.handleError(context.Background(), err, op))
	}

	doneCh, stopCh, err := futures.WsUserDataServe(listenKey, wsHandler, wsErrHandler)
	if err != nil {
		return nil, nil, c.handleError(context.Background(), err, op)
	}
	return doneCh, stopCh, nil
}

// translateUserDataEvent maps a raw stream frame to a domain event.
// Frames the core does not consume yield nil.
func translateUserDataEvent(event *futures.WsUserDataEvent) *domain.StreamEvent {
	if event == nil {
		return nil
	}
	evTime := time.UnixMilli(event.Time)

	switch event.Event {
	case futures.UserDataEventTypeListenKeyExpired:
		return &domain.StreamEvent{Kind: domain.EventCredentialExpired, Time: evTime}

	case futures.UserDataEventTypeOrderTradeUpdate:
		o := event.OrderTradeUpdate
		price, _ := strconv.ParseFloat(o.OriginalPrice, 64)
		qty, _ := strconv.ParseFloat(o.OriginalQty, 64)
		filled, _ := strconv.ParseFloat(o.AccumulatedFilledQty, 64)
		avgPrice, _ := strconv.ParseFloat(o.AveragePrice, 64)
		lastPrice, _ := strconv.ParseFloat(o.LastFilledPrice, 64)

		return &domain.StreamEvent{
			Kind: domain.EventOrderUpdate,
			Time: evTime,
			Order: &domain.OrderUpdate{
				OrderID:        o.ID,
				ClientOrderID:  o.ClientOrderID,
				Symbol:         o.Symbol,
				Side:           domain.OrderSide(o.Side),
				Type:           domain.OrderType(o.Type),
				Status:         domain.OrderStatus(o.Status),
				Price:          price,
				Quantity:       qty,
				FilledQuantity: filled,
				AvgFillPrice:   avgPrice,
				LastFillPrice:  lastPrice,
				TradeTime:      time.UnixMilli(o.TradeTime),
			},
		}

	case futures.UserDataEventTypeAccountUpdate:
		acc := event.AccountUpdate
		balances := make(map[string]float64, len(acc.Balances))
		for _, b := range acc.Balances {
			v, err := strconv.ParseFloat(b.Balance, 64)
			if err != nil {
				continue
			}
			balances[b.Asset] = v
		}
		positions := make([]domain.AccountPosition, 0, len(acc.Positions))
		for _, p := range acc.Positions {
			amt, _ := strconv.ParseFloat(p.Amount, 64)
			entry, _ := strconv.ParseFloat(p.EntryPrice, 64)
			pnl, _ := strconv.ParseFloat(p.UnrealizedPnL, 64)
			positions = append(positions, domain.AccountPosition{
				Symbol:        p.Symbol,
				PositionAmt:   amt,
				EntryPrice:    entry,
				UnrealizedPnL: pnl,
			})
		}
		return &domain.StreamEvent{
			Kind:    domain.EventAccountUpdate,
			Time:    evTime,
			Account: &domain.AccountUpdate{Balances: balances, Positions: positions},
		}
	}

	return nil
}
