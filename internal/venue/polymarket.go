package venue

import (
	"context"

	"github.com/shopspring/decimal"
	"github.com/yanun0323/errors"
	"github.com/yanun0323/pkg/sys"
	"github.com/yanun0323/pkg/ws"
)

const _polymarketBaseWsUrl = "wss://ws-subscriptions-clob.polymarket.com/ws/market"

// PolymarketPub streams market books from the Polymarket CLOB websocket.
// It backs live strategies' scan phase; the core never talks to it directly.
type PolymarketPub struct {
	wss *ws.WebSocket
}

// NewPolymarketPub creates a feed client against the public market channel.
func NewPolymarketPub(ctx context.Context) *PolymarketPub {
	return &PolymarketPub{
		wss: ws.New(ctx, _polymarketBaseWsUrl),
	}
}

func (repo *PolymarketPub) Close() {
	repo.wss.Close()
}

func (repo *PolymarketPub) StartWebsocket(ctx context.Context) error {
	if err := repo.wss.Start(ctx); err != nil {
		return errors.Wrap(err, "start wss")
	}

	return nil
}

type polymarketSubscribeRequest struct {
	AssetIDs []string `json:"assets_ids"`
	Type     string   `json:"type"`
}

// BookLevel is one price level of a market book.
type BookLevel struct {
	Price decimal.Decimal `json:"price"`
	Size  decimal.Decimal `json:"size"`
}

// MarketBook is a full book snapshot for one outcome token.
type MarketBook struct {
	EventType string      `json:"event_type"`
	AssetID   string      `json:"asset_id"`
	Market    string      `json:"market"`
	Bids      []BookLevel `json:"bids"`
	Asks      []BookLevel `json:"asks"`
	Timestamp string      `json:"timestamp"`
}

// SubscribeBooks subscribes the market channel for the given outcome tokens
// and waits for the first book snapshot.
func (repo *PolymarketPub) SubscribeBooks(ctx context.Context, assetIDs []string) error {
	appendIntoRegister := true
	if err := repo.wss.SendAndWait(ctx, ws.Sidecar{
		Sender: func(ctx context.Context, ws *ws.WebSocket) error {
			payload := polymarketSubscribeRequest{
				AssetIDs: assetIDs,
				Type:     "market",
			}

			if err := ws.WriteJSON(payload); err != nil {
				return errors.Wrap(err, "write subscribe payload").With("payload", payload)
			}

			return nil
		},
		Waiter: func(ctx context.Context, m ws.Message) (bool, error) {
			book, ok := ws.ReadMessage[MarketBook](m)
			if !ok || book.EventType != "book" {
				return false, nil
			}
			return true, nil
		},
	}, appendIntoRegister); err != nil {
		return errors.Wrap(err, "send and wait")
	}

	return nil
}

// ObserveBooks streams book snapshots to the handler until unsubscribed.
func (repo *PolymarketPub) ObserveBooks(ctx context.Context, handler func(book MarketBook)) (unsubscribe func()) {
	ch, cancel := repo.wss.Subscribe()

	go func() {
		defer cancel()
		for {
			select {
			case <-sys.Shutdown():
				return
			case <-ctx.Done():
				return
			case m, ok := <-ch:
				if !ok {
					return
				}

				book, ok := ws.ReadMessage[MarketBook](m)
				if !ok || book.EventType != "book" {
					continue
				}

				handler(book)
			}
		}
	}()

	return cancel
}

// BestBid returns the highest bid, if any.
func (b MarketBook) BestBid() (BookLevel, bool) {
	best := BookLevel{}
	found := false
	for _, level := range b.Bids {
		if !found || level.Price.GreaterThan(best.Price) {
			best = level
			found = true
		}
	}
	return best, found
}

// BestAsk returns the lowest ask, if any.
func (b MarketBook) BestAsk() (BookLevel, bool) {
	best := BookLevel{}
	found := false
	for _, level := range b.Asks {
		if !found || level.Price.LessThan(best.Price) {
			best = level
			found = true
		}
	}
	return best, found
}
