package broker

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"math"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Snapshot field codes used by the gateway's market data endpoint.
const (
	fieldLast      = "31"
	fieldBid       = "84"
	fieldAsk       = "86"
	fieldMark      = "7635"
	fieldPrevClose = "7741"
)

// snapshotFields is the field list requested on every snapshot.
var snapshotFields = strings.Join([]string{fieldLast, fieldBid, fieldAsk, fieldMark, fieldPrevClose}, ",")

// APIError represents a gateway error with status code and response body.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("gateway error %d: %s", e.Status, e.Body)
}

// PortalClient talks to the Client Portal gateway's REST API. The gateway
// runs on localhost with a self-signed certificate, so the default transport
// skips verification for loopback targets.
type PortalClient struct {
	client    *http.Client
	baseURL   string
	accountID string
	timeout   time.Duration
	// snapshotPoll is the interval between snapshot re-reads while the
	// gateway warms a new subscription.
	snapshotPoll time.Duration
}

const defaultPortalBaseURL = "https://localhost:5000/v1/api"

// NewPortalClient creates a gateway client. baseURL may be empty to use the
// standard localhost gateway address.
func NewPortalClient(baseURL, accountID string) *PortalClient {
	return NewPortalClientWithHTTP(baseURL, accountID, nil)
}

// NewPortalClientWithHTTP creates a gateway client with a custom HTTP client
// (tests, custom transport).
func NewPortalClientWithHTTP(baseURL, accountID string, client *http.Client) *PortalClient {
	if baseURL == "" {
		baseURL = defaultPortalBaseURL
	}
	baseURL = strings.TrimRight(baseURL, "/")

	const defaultTimeout = 10 * time.Second
	if client == nil {
		// The gateway serves a self-signed cert on loopback.
		client = &http.Client{
			Timeout: defaultTimeout,
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{InsecureSkipVerify: true}, // #nosec G402 -- localhost gateway only
			},
		}
	}

	return &PortalClient{
		client:       client,
		baseURL:      baseURL,
		accountID:    accountID,
		timeout:      defaultTimeout,
		snapshotPoll: 250 * time.Millisecond,
	}
}

// WithTimeout sets the HTTP client timeout duration.
func (p *PortalClient) WithTimeout(timeout time.Duration) *PortalClient {
	p.timeout = timeout
	if p.client != nil {
		p.client.Timeout = timeout
	}
	return p
}

// Tickle pings the gateway session keepalive endpoint. The gateway logs the
// session out after a few minutes without traffic.
func (p *PortalClient) Tickle(ctx context.Context) error {
	return p.makeRequestCtx(ctx, http.MethodPost, p.baseURL+"/tickle", nil, nil)
}

// AuthStatus reports whether the gateway session is authenticated.
func (p *PortalClient) AuthStatus(ctx context.Context) (bool, error) {
	var resp struct {
		Authenticated bool `json:"authenticated"`
		Connected     bool `json:"connected"`
	}
	if err := p.makeRequestCtx(ctx, http.MethodGet, p.baseURL+"/iserver/auth/status", nil, &resp); err != nil {
		return false, err
	}
	return resp.Authenticated && resp.Connected, nil
}

// ============ Contract resolution ============

type searchResult struct {
	ConID       json.Number `json:"conid"`
	Symbol      string      `json:"symbol"`
	SecType     string      `json:"secType"`
	Description string      `json:"description"` // listing exchange
	Currency    string      `json:"currency"`
}

// SearchContract looks up contracts by symbol. Results preserve the
// gateway's ordering; the first entry is its best match.
func (p *PortalClient) SearchContract(ctx context.Context, symbol string, secType SecType) ([]Contract, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("secType", string(secType))
	endpoint := p.baseURL + "/iserver/secdef/search?" + params.Encode()

	var results []searchResult
	if err := p.makeRequestCtx(ctx, http.MethodGet, endpoint, nil, &results); err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return nil, fmt.Errorf("%w: %s (%s)", ErrContractNotFound, symbol, secType)
	}

	contracts := make([]Contract, 0, len(results))
	for _, r := range results {
		id, err := r.ConID.Int64()
		if err != nil || id == 0 {
			continue
		}
		contracts = append(contracts, Contract{
			ConID:           id,
			Symbol:          r.Symbol,
			SecType:         SecType(r.SecType),
			Currency:        r.Currency,
			Exchange:        "SMART",
			PrimaryExchange: r.Description,
		})
	}
	if len(contracts) == 0 {
		return nil, fmt.Errorf("%w: %s (%s)", ErrContractNotFound, symbol, secType)
	}
	return contracts, nil
}

// ContractByConID resolves a contract directly by its numeric venue
// identifier, avoiding exchange ambiguity entirely.
func (p *PortalClient) ContractByConID(ctx context.Context, conID int64) (*Contract, error) {
	endpoint := fmt.Sprintf("%s/iserver/contract/%d/info", p.baseURL, conID)

	var resp struct {
		ConID    int64  `json:"con_id"`
		Symbol   string `json:"symbol"`
		SecType  string `json:"instrument_type"`
		Currency string `json:"currency"`
		Exchange string `json:"exchange"`
		Listing  string `json:"listing_exchange"`
	}
	if err := p.makeRequestCtx(ctx, http.MethodGet, endpoint, nil, &resp); err != nil {
		return nil, err
	}
	if resp.ConID == 0 {
		return nil, fmt.Errorf("%w: conid %d", ErrContractNotFound, conID)
	}
	return &Contract{
		ConID:           resp.ConID,
		Symbol:          resp.Symbol,
		SecType:         SecType(resp.SecType),
		Currency:        resp.Currency,
		Exchange:        resp.Exchange,
		PrimaryExchange: resp.Listing,
	}, nil
}

// QualifyOption verifies an option spec against the venue and fills in its
// conid. The spec's strike/expiry/right must match a listed contract exactly.
func (p *PortalClient) QualifyOption(ctx context.Context, spec OptionSpec) (OptionSpec, error) {
	params := url.Values{}
	params.Set("symbol", spec.Underlying)
	params.Set("sectype", string(SecTypeOption))
	params.Set("month", spec.Expiry)
	params.Set("strike", strconv.FormatFloat(spec.Strike, 'f', -1, 64))
	params.Set("right", string(spec.Right))
	if spec.Exchange != "" {
		params.Set("exchange", spec.Exchange)
	}
	endpoint := p.baseURL + "/iserver/secdef/info?" + params.Encode()

	var results []struct {
		ConID        json.Number `json:"conid"`
		MaturityDate string      `json:"maturityDate"`
		TradingClass string      `json:"tradingClass"`
		Currency     string      `json:"currency"`
	}
	if err := p.makeRequestCtx(ctx, http.MethodGet, endpoint, nil, &results); err != nil {
		return OptionSpec{}, err
	}
	for _, r := range results {
		if r.MaturityDate != "" && r.MaturityDate != spec.Expiry {
			continue
		}
		id, err := r.ConID.Int64()
		if err != nil || id == 0 {
			continue
		}
		qualified := spec
		qualified.ConID = id
		if r.TradingClass != "" {
			qualified.TradingClass = r.TradingClass
		}
		if r.Currency != "" {
			qualified.Currency = r.Currency
		}
		return qualified, nil
	}
	return OptionSpec{}, fmt.Errorf("%w: %s %s %.2f%s", ErrContractNotFound,
		spec.Underlying, spec.Expiry, spec.Strike, spec.Right)
}

// GetOptionChain retrieves listed expirations and strikes for an underlying.
func (p *PortalClient) GetOptionChain(ctx context.Context, underlyingConID int64) (*OptionChain, error) {
	params := url.Values{}
	params.Set("conid", strconv.FormatInt(underlyingConID, 10))
	params.Set("sectype", string(SecTypeOption))
	endpoint := p.baseURL + "/iserver/secdef/strikes?" + params.Encode()

	var resp struct {
		Expirations  []string  `json:"expirations"`
		Call         []float64 `json:"call"`
		Put          []float64 `json:"put"`
		Exchanges    []string  `json:"exchanges"`
		TradingClass string    `json:"tradingClass"`
	}
	if err := p.makeRequestCtx(ctx, http.MethodGet, endpoint, nil, &resp); err != nil {
		return nil, err
	}

	// Calls and puts almost always list the same ladder; merge and dedupe.
	seen := make(map[float64]struct{}, len(resp.Call)+len(resp.Put))
	strikes := make([]float64, 0, len(resp.Call)+len(resp.Put))
	for _, s := range append(resp.Call, resp.Put...) {
		if s <= 0 {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		strikes = append(strikes, s)
	}
	sort.Float64s(strikes)

	expirations := append([]string(nil), resp.Expirations...)
	sort.Strings(expirations)

	if len(strikes) == 0 || len(expirations) == 0 {
		return nil, fmt.Errorf("empty option chain for conid %d", underlyingConID)
	}
	return &OptionChain{
		Expirations:  expirations,
		Strikes:      strikes,
		Exchanges:    resp.Exchanges,
		TradingClass: resp.TradingClass,
	}, nil
}

// ============ Market data ============

// portalPrice parses a snapshot price field. The gateway prefixes values to
// mark provenance: "C" close-derived, "D" delayed, "H" halted. NaN means
// absent.
func portalPrice(raw string) float64 {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return math.NaN()
	}
	raw = strings.TrimLeft(raw, "CDH")
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return math.NaN()
	}
	return v
}

func (p *PortalClient) fetchSnapshot(ctx context.Context, conID int64, level MarketDataLevel) (*Quote, error) {
	params := url.Values{}
	params.Set("conids", strconv.FormatInt(conID, 10))
	params.Set("fields", snapshotFields)
	params.Set("mdType", strconv.Itoa(int(level)))
	endpoint := p.baseURL + "/iserver/marketdata/snapshot?" + params.Encode()

	var rows []map[string]json.RawMessage
	if err := p.makeRequestCtx(ctx, http.MethodGet, endpoint, nil, &rows); err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, ErrNoMarketData
	}

	field := func(code string) float64 {
		raw, ok := rows[0][code]
		if !ok {
			return math.NaN()
		}
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			return portalPrice(s)
		}
		var f float64
		if err := json.Unmarshal(raw, &f); err == nil {
			return f
		}
		return math.NaN()
	}

	return &Quote{
		ConID:     conID,
		Last:      field(fieldLast),
		Bid:       field(fieldBid),
		Ask:       field(fieldAsk),
		Mark:      field(fieldMark),
		PrevClose: field(fieldPrevClose),
		Level:     level,
	}, nil
}

// SnapshotQuote requests a one-shot quote. The first read of a fresh
// subscription often comes back empty while the gateway warms it, so one
// short re-read is attempted before giving up.
func (p *PortalClient) SnapshotQuote(ctx context.Context, conID int64, level MarketDataLevel) (*Quote, error) {
	q, err := p.fetchSnapshot(ctx, conID, level)
	if err != nil {
		return nil, err
	}
	if quoteHasData(q) {
		return q, nil
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(p.snapshotPoll):
	}
	return p.fetchSnapshot(ctx, conID, level)
}

// WatchQuote polls the streaming snapshot until any price field populates or
// wait expires, returning the last quote seen either way.
func (p *PortalClient) WatchQuote(ctx context.Context, conID int64, level MarketDataLevel, wait time.Duration) (*Quote, error) {
	deadline := time.Now().Add(wait)
	var last *Quote
	for {
		q, err := p.fetchSnapshot(ctx, conID, level)
		if err == nil {
			last = q
			if quoteHasData(q) {
				return q, nil
			}
		} else if err != ErrNoMarketData {
			return nil, err
		}
		if time.Now().After(deadline) {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(p.snapshotPoll):
		}
	}
	if last == nil {
		return nil, ErrNoMarketData
	}
	return last, nil
}

// CancelQuote releases the market data subscription for a conid. The
// gateway bills and limits concurrent subscriptions, so every snapshot user
// must pair requests with a cancel.
func (p *PortalClient) CancelQuote(ctx context.Context, conID int64) error {
	endpoint := fmt.Sprintf("%s/iserver/marketdata/%d/unsubscribe", p.baseURL, conID)
	return p.makeRequestCtx(ctx, http.MethodPost, endpoint, nil, nil)
}

func quoteHasData(q *Quote) bool {
	return IsUsablePrice(q.Last) || IsUsablePrice(q.Bid) || IsUsablePrice(q.Ask) ||
		IsUsablePrice(q.PrevClose) || IsUsablePrice(q.Mark)
}

// HistoricalBars retrieves historical bars, e.g. period "1d" with bar "1d"
// for the latest daily close.
func (p *PortalClient) HistoricalBars(ctx context.Context, conID int64, period, barSize string, rthOnly bool) ([]Bar, error) {
	params := url.Values{}
	params.Set("conid", strconv.FormatInt(conID, 10))
	params.Set("period", period)
	params.Set("bar", barSize)
	params.Set("outsideRth", strconv.FormatBool(!rthOnly))
	endpoint := p.baseURL + "/iserver/marketdata/history?" + params.Encode()

	var resp struct {
		Data []struct {
			T int64   `json:"t"` // epoch millis
			O float64 `json:"o"`
			H float64 `json:"h"`
			L float64 `json:"l"`
			C float64 `json:"c"`
			V int64   `json:"v"`
		} `json:"data"`
	}
	if err := p.makeRequestCtx(ctx, http.MethodGet, endpoint, nil, &resp); err != nil {
		return nil, fmt.Errorf("failed to get history for conid %d: %w", conID, err)
	}

	bars := make([]Bar, len(resp.Data))
	for i, d := range resp.Data {
		bars[i] = Bar{
			Time:   time.UnixMilli(d.T),
			Open:   d.O,
			High:   d.H,
			Low:    d.L,
			Close:  d.C,
			Volume: d.V,
		}
	}
	return bars, nil
}

// ============ Orders and account ============

type portalOrder struct {
	AcctID     string  `json:"acctId"`
	ConID      int64   `json:"conid"`
	COID       string  `json:"cOID,omitempty"`
	ParentID   string  `json:"parentId,omitempty"`
	OrderType  string  `json:"orderType"`
	Side       string  `json:"side"`
	Quantity   float64 `json:"quantity"`
	Price      float64 `json:"price,omitempty"`
	AuxPrice   float64 `json:"auxPrice,omitempty"`
	TIF        string  `json:"tif"`
	OutsideRTH bool    `json:"outsideRTH"`
	OCAGroup   string  `json:"ocaGroup,omitempty"`
}

// PlaceOrder submits one order. The gateway may interpose confirmation
// prompts (price caps, size warnings); these are auto-acknowledged because
// the caller has already validated the ticket.
func (p *PortalClient) PlaceOrder(ctx context.Context, ticket OrderTicket) (*OrderAck, error) {
	if ticket.Quantity <= 0 {
		return nil, fmt.Errorf("invalid order quantity: %.2f (must be > 0)", ticket.Quantity)
	}
	switch ticket.OrderType {
	case "LMT":
		if !IsUsablePrice(ticket.LimitPrice) {
			return nil, fmt.Errorf("invalid limit price: %.2f (must be > 0)", ticket.LimitPrice)
		}
	case "STP":
		if !IsUsablePrice(ticket.StopPrice) {
			return nil, fmt.Errorf("invalid stop price: %.2f (must be > 0)", ticket.StopPrice)
		}
	case "MKT":
	default:
		return nil, fmt.Errorf("invalid order type %q: must be MKT, LMT, or STP", ticket.OrderType)
	}

	account := ticket.Account
	if account == "" {
		account = p.accountID
	}
	body := struct {
		Orders []portalOrder `json:"orders"`
	}{
		Orders: []portalOrder{{
			AcctID:     account,
			ConID:      ticket.ConID,
			COID:       ticket.ClientID,
			ParentID:   ticket.ParentID,
			OrderType:  ticket.OrderType,
			Side:       ticket.Action,
			Quantity:   ticket.Quantity,
			Price:      ticket.LimitPrice,
			AuxPrice:   ticket.StopPrice,
			TIF:        ticket.TIF,
			OutsideRTH: ticket.OutsideRTH,
			OCAGroup:   ticket.OCAGroup,
		}},
	}

	endpoint := fmt.Sprintf("%s/iserver/account/%s/orders", p.baseURL, account)

	var replies []struct {
		OrderID      string   `json:"order_id"`
		OrderStatus  string   `json:"order_status"`
		ReplyID      string   `json:"id"`
		ReplyMessage []string `json:"message"`
	}
	if err := p.makeRequestCtx(ctx, http.MethodPost, endpoint, body, &replies); err != nil {
		return nil, err
	}

	// Walk confirmation prompts until an order id comes back.
	for hops := 0; hops < 5; hops++ {
		if len(replies) == 0 {
			return nil, fmt.Errorf("empty order reply from gateway")
		}
		r := replies[0]
		if r.OrderID != "" {
			return &OrderAck{OrderID: r.OrderID, Status: r.OrderStatus}, nil
		}
		if r.ReplyID == "" {
			return nil, fmt.Errorf("order rejected: %s", strings.Join(r.ReplyMessage, "; "))
		}
		log.Printf("Acknowledging gateway order prompt: %s", strings.Join(r.ReplyMessage, "; "))
		confirmEndpoint := fmt.Sprintf("%s/iserver/reply/%s", p.baseURL, r.ReplyID)
		confirm := map[string]bool{"confirmed": true}
		replies = replies[:0]
		if err := p.makeRequestCtx(ctx, http.MethodPost, confirmEndpoint, confirm, &replies); err != nil {
			return nil, err
		}
	}
	return nil, fmt.Errorf("gateway kept prompting after order submission")
}

// GetOrderStatus retrieves fill progress for an order.
func (p *PortalClient) GetOrderStatus(ctx context.Context, orderID string) (*OrderStatus, error) {
	endpoint := fmt.Sprintf("%s/iserver/account/order/status/%s", p.baseURL, url.PathEscape(orderID))

	var resp struct {
		OrderID      json.Number `json:"order_id"`
		OrderStatus  string      `json:"order_status"`
		CumFill      json.Number `json:"cum_fill"`
		Remaining    json.Number `json:"remaining_quantity"`
		AvgFillPrice json.Number `json:"average_price"`
	}
	if err := p.makeRequestCtx(ctx, http.MethodGet, endpoint, nil, &resp); err != nil {
		return nil, err
	}
	if resp.OrderStatus == "" {
		return nil, fmt.Errorf("no status returned for order %s", orderID)
	}

	num := func(n json.Number) float64 {
		v, err := n.Float64()
		if err != nil {
			return 0
		}
		return v
	}
	return &OrderStatus{
		OrderID:           orderID,
		Status:            strings.ToLower(resp.OrderStatus),
		FilledQuantity:    num(resp.CumFill),
		RemainingQuantity: num(resp.Remaining),
		AvgFillPrice:      num(resp.AvgFillPrice),
	}, nil
}

// CancelOrder cancels a working order.
func (p *PortalClient) CancelOrder(ctx context.Context, orderID string) error {
	endpoint := fmt.Sprintf("%s/iserver/account/%s/order/%s", p.baseURL, p.accountID, url.PathEscape(orderID))
	return p.makeRequestCtx(ctx, http.MethodDelete, endpoint, nil, nil)
}

// GetPositions retrieves current account positions.
func (p *PortalClient) GetPositions(ctx context.Context) ([]PositionItem, error) {
	endpoint := fmt.Sprintf("%s/portfolio/%s/positions/0", p.baseURL, p.accountID)

	var rows []struct {
		ConID    int64   `json:"conid"`
		Symbol   string  `json:"contractDesc"`
		SecType  string  `json:"assetClass"`
		Position float64 `json:"position"`
		AvgCost  float64 `json:"avgCost"`
	}
	if err := p.makeRequestCtx(ctx, http.MethodGet, endpoint, nil, &rows); err != nil {
		return nil, err
	}

	items := make([]PositionItem, len(rows))
	for i, r := range rows {
		items[i] = PositionItem{
			ConID:    r.ConID,
			Symbol:   r.Symbol,
			SecType:  SecType(r.SecType),
			Position: r.Position,
			AvgCost:  r.AvgCost,
		}
	}
	return items, nil
}

// GetLiveOrders retrieves working orders for the account.
func (p *PortalClient) GetLiveOrders(ctx context.Context) ([]LiveOrder, error) {
	endpoint := p.baseURL + "/iserver/account/orders"

	var resp struct {
		Orders []struct {
			OrderID   json.Number `json:"orderId"`
			Side      string      `json:"side"`
			OrderType string      `json:"orderType"`
			Quantity  float64     `json:"totalSize"`
			Price     float64     `json:"price"`
			StopPrice float64     `json:"stop_price"`
		} `json:"orders"`
	}
	if err := p.makeRequestCtx(ctx, http.MethodGet, endpoint, nil, &resp); err != nil {
		return nil, err
	}

	orders := make([]LiveOrder, 0, len(resp.Orders))
	for _, o := range resp.Orders {
		price := o.Price
		if o.OrderType == "STP" || strings.EqualFold(o.OrderType, "stop") {
			price = o.StopPrice
		}
		orders = append(orders, LiveOrder{
			OrderID:   o.OrderID.String(),
			Action:    o.Side,
			OrderType: o.OrderType,
			Quantity:  o.Quantity,
			Price:     price,
		})
	}
	return orders, nil
}

// makeRequestCtx makes an HTTP request against the gateway with context
// support. body may be nil, or any JSON-marshalable value.
func (p *PortalClient) makeRequestCtx(ctx context.Context, method, endpoint string, body, response interface{}) error {
	var req *http.Request
	var err error

	if body != nil {
		payload, merr := json.Marshal(body)
		if merr != nil {
			return merr
		}
		req, err = http.NewRequestWithContext(ctx, method, endpoint, strings.NewReader(string(payload)))
		if err != nil {
			return err
		}
		req.Header.Add("Content-Type", "application/json")
	} else {
		req, err = http.NewRequestWithContext(ctx, method, endpoint, http.NoBody)
		if err != nil {
			return err
		}
	}
	req.Header.Add("Accept", "application/json")
	req.Header.Add("User-Agent", "covercall/1.0 (+cpapi)")

	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			log.Printf("Failed to close response body: %v", err)
		}
	}()

	if resp.StatusCode == http.StatusUnauthorized {
		return ErrNotAuthenticated
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated &&
		resp.StatusCode != http.StatusAccepted && resp.StatusCode != http.StatusNoContent {
		raw, rerr := io.ReadAll(io.LimitReader(resp.Body, 64<<10)) // 64KB cap to avoid huge payloads
		if rerr != nil {
			return &APIError{Status: resp.StatusCode, Body: fmt.Sprintf("%s %s -> failed to read error body", method, endpoint)}
		}
		return &APIError{Status: resp.StatusCode, Body: fmt.Sprintf("%s %s -> %s", method, endpoint, string(raw))}
	}

	if response == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	dec := json.NewDecoder(resp.Body)
	dec.UseNumber()
	if err := dec.Decode(response); err != nil && err != io.EOF {
		return err
	}
	return nil
}
