package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// BookTop is the downstream best bid/offer with displayed sizes.
type BookTop struct {
	Bid     decimal.Decimal `json:"bid"`
	Ask     decimal.Decimal `json:"ask"`
	BidSize decimal.Decimal `json:"bid_size"`
	AskSize decimal.Decimal `json:"ask_size"`
}

// Fill reports a downstream execution against one of our orders.
type Fill struct {
	OrderID string          `json:"order_id"`
	Price   decimal.Decimal `json:"price"`
	Size    decimal.Decimal `json:"size"`
	At      time.Time       `json:"at"`
}

// Venue is the downstream order entry and market data surface.
type Venue interface {
	PlaceOrder(ctx context.Context, ticker string, side OrderSide, price, size decimal.Decimal) (orderID string, confirmed bool, err error)
	CancelOrder(ctx context.Context, orderID string) error
	BookTop(ctx context.Context, ticker string) (BookTop, error)
	// Fills streams executions until ctx is cancelled.
	Fills(ctx context.Context) <-chan Fill
}

// RESTVenueConfig configures the HTTP order-entry client.
type RESTVenueConfig struct {
	BaseURL string        `yaml:"base_url"`
	APIKey  string        `yaml:"api_key"`
	Timeout time.Duration `yaml:"timeout"`
	// ConfirmDelay is how long to wait before the single post-placement
	// status poll.
	ConfirmDelay time.Duration `yaml:"confirm_delay"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

// RESTVenue talks to a downstream exchange over its REST API. Placement is
// confirmed with one delayed status poll; an unconfirmed order is returned
// as pending and picked up by the fill poller.
type RESTVenue struct {
	cfg    RESTVenueConfig
	client *http.Client
}

// NewRESTVenue builds the client. ConfirmDelay defaults to 500ms.
func NewRESTVenue(cfg RESTVenueConfig) *RESTVenue {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.ConfirmDelay <= 0 {
		cfg.ConfirmDelay = 500 * time.Millisecond
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	return &RESTVenue{cfg: cfg, client: &http.Client{Timeout: cfg.Timeout}}
}

type placeRequest struct {
	Ticker string `json:"ticker"`
	Side   string `json:"side"`
	Price  string `json:"price"`
	Size   string `json:"size"`
	Type   string `json:"type"`
}

type orderStatus struct {
	OrderID string `json:"order_id"`
	Status  string `json:"status"`
}

// PlaceOrder submits a limit order and polls once after ConfirmDelay. A
// still-unacknowledged order comes back with confirmed=false.
func (v *RESTVenue) PlaceOrder(ctx context.Context, ticker string, side OrderSide, price, size decimal.Decimal) (string, bool, error) {
	var placed orderStatus
	err := v.do(ctx, http.MethodPost, "/v1/orders", placeRequest{
		Ticker: ticker,
		Side:   string(side),
		Price:  price.String(),
		Size:   size.String(),
		Type:   "limit",
	}, &placed)
	if err != nil {
		return "", false, err
	}
	if placed.OrderID == "" {
		return "", false, fmt.Errorf("venue returned no order id")
	}

	select {
	case <-ctx.Done():
		return placed.OrderID, false, ctx.Err()
	case <-time.After(v.cfg.ConfirmDelay):
	}

	var status orderStatus
	if err := v.do(ctx, http.MethodGet, "/v1/orders/"+placed.OrderID, nil, &status); err != nil {
		log.Warn().Str("order_id", placed.OrderID).Err(err).Msg("confirmation poll failed, treating as pending")
		return placed.OrderID, false, nil
	}
	return placed.OrderID, status.Status == "open" || status.Status == "filled", nil
}

// CancelOrder cancels by downstream id.
func (v *RESTVenue) CancelOrder(ctx context.Context, orderID string) error {
	return v.do(ctx, http.MethodDelete, "/v1/orders/"+orderID, nil, nil)
}

// BookTop fetches the best bid/offer.
func (v *RESTVenue) BookTop(ctx context.Context, ticker string) (BookTop, error) {
	var top BookTop
	err := v.do(ctx, http.MethodGet, "/v1/book/"+ticker+"/top", nil, &top)
	return top, err
}

// Fills polls the executions endpoint on PollInterval.
func (v *RESTVenue) Fills(ctx context.Context) <-chan Fill {
	out := make(chan Fill, 16)
	go func() {
		defer close(out)
		ticker := time.NewTicker(v.cfg.PollInterval)
		defer ticker.Stop()
		since := time.Now()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			var fills []Fill
			path := fmt.Sprintf("/v1/fills?since=%d", since.UnixMilli())
			if err := v.do(ctx, http.MethodGet, path, nil, &fills); err != nil {
				log.Warn().Err(err).Msg("fill poll failed")
				continue
			}
			for _, f := range fills {
				if f.At.After(since) {
					since = f.At
				}
				select {
				case out <- f:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}

func (v *RESTVenue) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, v.cfg.BaseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if v.cfg.APIKey != "" {
		req.Header.Set("X-API-Key", v.cfg.APIKey)
	}

	resp, err := v.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%s %s: status %d", method, path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
