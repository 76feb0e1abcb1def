package oracle

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/agrihedge/hedgecore/internal/contracts"
)

// Quote is one commodity price sample.
type Quote struct {
	Commodity contracts.Commodity `json:"commodity"`
	Price     decimal.Decimal     `json:"price"`
	AsOf      time.Time           `json:"as_of"`
}

// PriceOracle supplies the latest price for a commodity. A false second
// return means no price data exists, which is a normal condition for
// commodities without recent ticks, not an error.
type PriceOracle interface {
	LatestPrice(ctx context.Context, commodity contracts.Commodity) (Quote, bool, error)
}

// Board is an in-memory price oracle that also fans quotes out to
// subscribers, e.g. the websocket price stream.
type Board struct {
	mu     sync.RWMutex
	quotes map[contracts.Commodity]Quote
	subs   map[uuid.UUID]*Subscriber
}

// Subscriber receives quote updates. Updates are dropped, not queued,
// when the subscriber falls behind.
type Subscriber struct {
	ID      uuid.UUID
	Updates chan Quote
	Done    chan struct{}
}

// NewBoard creates an empty quote board.
func NewBoard() *Board {
	return &Board{
		quotes: make(map[contracts.Commodity]Quote),
		subs:   make(map[uuid.UUID]*Subscriber),
	}
}

// LatestPrice implements PriceOracle.
func (b *Board) LatestPrice(ctx context.Context, commodity contracts.Commodity) (Quote, bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	quote, ok := b.quotes[commodity]
	return quote, ok, nil
}

// Publish stores a quote as the commodity's latest and broadcasts it.
func (b *Board) Publish(quote Quote) {
	b.mu.Lock()
	b.quotes[quote.Commodity] = quote
	subs := make([]*Subscriber, 0, len(b.subs))
	for _, sub := range b.subs {
		subs = append(subs, sub)
	}
	b.mu.Unlock()

	for _, sub := range subs {
		select {
		case sub.Updates <- quote:
		case <-sub.Done:
		default:
		}
	}
}

// Subscribe registers a quote subscriber.
func (b *Board) Subscribe() *Subscriber {
	sub := &Subscriber{
		ID:      uuid.New(),
		Updates: make(chan Quote, 16),
		Done:    make(chan struct{}),
	}

	b.mu.Lock()
	b.subs[sub.ID] = sub
	b.mu.Unlock()

	return sub
}

// Unsubscribe removes a subscriber and closes its channels.
func (b *Board) Unsubscribe(id uuid.UUID) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub, ok := b.subs[id]
	if !ok {
		return
	}
	close(sub.Done)
	delete(b.subs, id)
}
