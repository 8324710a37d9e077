// Package kaspi implements the marketplace gateway over the Kaspi shop
// JSON:API. All wire retries live here; the orchestration core only sees
// the final error of an exhausted exchange.
package kaspi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"

	appsync "github.com/aitbekov/kaspi-sync/internal/application/sync"
	"github.com/aitbekov/kaspi-sync/internal/domain/order"
	"github.com/aitbekov/kaspi-sync/internal/observability"
	"github.com/aitbekov/kaspi-sync/internal/pkg/retry"
)

const (
	stateNew          = "NEW"
	stateArchive      = "ARCHIVE"
	statusApproved    = "APPROVED_BY_BANK"
	statusAccepted    = "ACCEPTED_BY_MERCHANT"
	statusAssemble    = "ASSEMBLE"
	statusCancelled   = "CANCELLED"
	statusReturned    = "RETURNED"
	defaultPageSize   = 100
	defaultProbeDepth = 48 * time.Hour
)

type Config struct {
	BaseURL   string
	AuthToken string
	UserAgent string
	PageSize  int
	Timeout   time.Duration

	// Wire-level retry of one HTTP exchange. Distinct from the
	// orchestrator's round retries.
	MaxRetries      uint64
	InitialInterval time.Duration
}

func (c *Config) withDefaults() {
	if c.PageSize <= 0 {
		c.PageSize = defaultPageSize
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.InitialInterval <= 0 {
		c.InitialInterval = 2 * time.Second
	}
}

type Gateway struct {
	cfg    Config
	client *http.Client
	log    observability.Logger

	requests observability.Counter
	latency  observability.Histogram
}

func New(cfg Config, client *http.Client, tel observability.Telemetry) *Gateway {
	cfg.withDefaults()
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	if tel == nil {
		tel = observability.Nop()
	}
	return &Gateway{
		cfg:      cfg,
		client:   client,
		log:      tel.Logger().With(observability.F("component", "kaspi_gateway")),
		requests: tel.Metrics().Counter(observability.MExternalRequests),
		latency:  tel.Metrics().Histogram(observability.MExternalRequestDuration),
	}
}

var _ appsync.Gateway = (*Gateway)(nil)

// JSON:API resource shapes, trimmed to the fields the sync needs.

type ordersResponse struct {
	Data []orderResource `json:"data"`
}

type orderResource struct {
	ID         string          `json:"id"`
	Attributes orderAttributes `json:"attributes"`
}

type orderAttributes struct {
	Code          string        `json:"code"`
	Status        string        `json:"status"`
	State         string        `json:"state"`
	PickupPointID string        `json:"pickupPointId"`
	CreationDate  int64         `json:"creationDate"` // unix millis
	Customer      customerInfo  `json:"customer"`
	KaspiDelivery kaspiDelivery `json:"kaspiDelivery"`
}

type customerInfo struct {
	Name      string `json:"name"`
	CellPhone string `json:"cellPhone"`
}

type kaspiDelivery struct {
	Waybill string `json:"waybill"`
}

type entriesResponse struct {
	Data []entryResource `json:"data"`
}

type entryResource struct {
	Attributes entryAttributes `json:"attributes"`
}

type entryAttributes struct {
	Quantity int       `json:"quantity"`
	Offer    offerInfo `json:"offer"`
}

type offerInfo struct {
	Code string `json:"code"`
	Name string `json:"name"`
}

type orderPatch struct {
	Data orderPatchData `json:"data"`
}

type orderPatchData struct {
	Type       string         `json:"type"`
	ID         string         `json:"id"`
	Attributes map[string]any `json:"attributes"`
}

func (g *Gateway) FetchNewOrders(ctx context.Context, window appsync.TimeRange) ([]*order.Order, error) {
	resources, err := g.listOrders(ctx, stateNew, statusApproved, window.From, window.To)
	if err != nil {
		return nil, err
	}

	orders := make([]*order.Order, 0, len(resources))
	for _, res := range resources {
		if res.ID == "" {
			g.log.Warn("skipping_order_without_id", observability.F("order_code", res.Attributes.Code))
			continue
		}
		entries, err := g.orderEntries(ctx, res.ID)
		if err != nil {
			return nil, fmt.Errorf("entries for order %s: %w", res.ID, err)
		}
		o, err := toDomainOrder(res, entries)
		if err != nil {
			// A malformed resource must not sink the whole window.
			g.log.Warn("skipping_malformed_order",
				observability.F("order_id", res.ID),
				observability.F("error", err.Error()),
			)
			continue
		}
		orders = append(orders, o)
	}
	return orders, nil
}

func (g *Gateway) FetchArchivedCancellations(ctx context.Context, since time.Time) ([]order.CancellationRecord, error) {
	return g.listCancellations(ctx, statusCancelled, "cancelled by customer", since)
}

func (g *Gateway) FetchReturnedCancellations(ctx context.Context, since time.Time) ([]order.CancellationRecord, error) {
	return g.listCancellations(ctx, statusReturned, "returned by customer", since)
}

func (g *Gateway) listCancellations(ctx context.Context, status, reason string, since time.Time) ([]order.CancellationRecord, error) {
	resources, err := g.listOrders(ctx, stateArchive, status, since, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	records := make([]order.CancellationRecord, 0, len(resources))
	for _, res := range resources {
		records = append(records, order.CancellationRecord{
			OrderID:    res.ID,
			OrderCode:  res.Attributes.Code,
			Reason:     reason,
			DetectedAt: time.Now().UTC(),
		})
	}
	return records, nil
}

func (g *Gateway) AcceptOrder(ctx context.Context, orderID, orderCode string) error {
	payload := orderPatch{Data: orderPatchData{
		Type: "orders",
		ID:   orderID,
		Attributes: map[string]any{
			"code":   orderCode,
			"status": statusAccepted,
		},
	}}
	return g.postOrder(ctx, "accept_order", payload)
}

// RequestWaybill moves the order to assembly and reads back the waybill
// link the marketplace generates for it.
func (g *Gateway) RequestWaybill(ctx context.Context, orderID string) (string, error) {
	payload := orderPatch{Data: orderPatchData{
		Type: "orders",
		ID:   orderID,
		Attributes: map[string]any{
			"status":        statusAssemble,
			"numberOfSpace": "1",
		},
	}}
	if err := g.postOrder(ctx, "create_invoice", payload); err != nil {
		return "", err
	}

	var res orderResource
	if err := g.get(ctx, "order_by_id", "/orders/"+url.PathEscape(orderID), nil, &struct {
		Data *orderResource `json:"data"`
	}{Data: &res}); err != nil {
		return "", err
	}
	if res.Attributes.KaspiDelivery.Waybill == "" {
		return "", fmt.Errorf("waybill for order %s not issued yet", orderID)
	}
	return res.Attributes.KaspiDelivery.Waybill, nil
}

func (g *Gateway) ProbeCancellation(ctx context.Context, orderIDs []string) ([]string, error) {
	if len(orderIDs) == 0 {
		return nil, nil
	}
	records, err := g.FetchArchivedCancellations(ctx, time.Now().UTC().Add(-defaultProbeDepth))
	if err != nil {
		return nil, err
	}
	cancelled := make(map[string]bool, len(records))
	for _, rec := range records {
		cancelled[rec.OrderID] = true
	}
	var hits []string
	for _, id := range orderIDs {
		if cancelled[id] {
			hits = append(hits, id)
		}
	}
	return hits, nil
}

func (g *Gateway) listOrders(ctx context.Context, state, status string, from, to time.Time) ([]orderResource, error) {
	params := url.Values{}
	params.Set("page[number]", "0")
	params.Set("page[size]", strconv.Itoa(g.cfg.PageSize))
	params.Set("filter[orders][state]", state)
	params.Set("filter[orders][status]", status)
	params.Set("filter[orders][creationDate][$ge]", strconv.FormatInt(from.UnixMilli(), 10))
	params.Set("filter[orders][creationDate][$le]", strconv.FormatInt(to.UnixMilli(), 10))

	var body ordersResponse
	if err := g.get(ctx, "list_orders", "/orders", params, &body); err != nil {
		return nil, err
	}
	return body.Data, nil
}

func (g *Gateway) orderEntries(ctx context.Context, orderID string) ([]entryResource, error) {
	var body entriesResponse
	path := "/orders/" + url.PathEscape(orderID) + "/entries"
	if err := g.get(ctx, "order_entries", path, nil, &body); err != nil {
		return nil, err
	}
	return body.Data, nil
}

func toDomainOrder(res orderResource, entries []entryResource) (*order.Order, error) {
	items := make([]order.LineItem, 0, len(entries))
	for _, e := range entries {
		items = append(items, order.LineItem{
			ProductCode: e.Attributes.Offer.Code,
			ProductName: e.Attributes.Offer.Name,
			Quantity:    e.Attributes.Quantity,
		})
	}
	o, err := order.New(
		res.ID,
		res.Attributes.Code,
		stockName(res.Attributes.PickupPointID),
		res.Attributes.Status,
		items,
		time.UnixMilli(res.Attributes.CreationDate).UTC(),
	)
	if err != nil {
		return nil, err
	}
	o.CustomerName = res.Attributes.Customer.Name
	o.CustomerPhone = res.Attributes.Customer.CellPhone
	return o, nil
}

// stockName derives the warehouse identifier from the pickup point id; the
// marketplace encodes it in the trailing three characters.
func stockName(pickupPointID string) string {
	if len(pickupPointID) <= 3 {
		return pickupPointID
	}
	return pickupPointID[len(pickupPointID)-3:]
}

func (g *Gateway) get(ctx context.Context, endpoint, path string, params url.Values, out any) error {
	return g.do(ctx, endpoint, func() (*http.Request, error) {
		u := g.cfg.BaseURL + path
		if len(params) > 0 {
			u += "?" + params.Encode()
		}
		return http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	}, out)
}

func (g *Gateway) postOrder(ctx context.Context, endpoint string, payload orderPatch) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", endpoint, err)
	}
	return g.do(ctx, endpoint, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.cfg.BaseURL+"/orders", bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/vnd.api+json")
		return req, nil
	}, nil)
}

// do runs one exchange under the wire-level retry policy. Responses in the
// 4xx range are terminal; network errors and 5xx are retried with
// exponential backoff. backoff.Retry strips its own permanent marker on
// return, so terminal branches carry retry.Permanent underneath it; that
// is the classification the orchestrator's policies read.
func (g *Gateway) do(ctx context.Context, endpoint string, build func() (*http.Request, error), out any) error {
	operation := func() error {
		req, err := build()
		if err != nil {
			return backoff.Permanent(retry.Permanent(err))
		}
		req.Header.Set("X-Auth-Token", g.cfg.AuthToken)
		req.Header.Set("Accept", "application/vnd.api+json")
		if g.cfg.UserAgent != "" {
			req.Header.Set("User-Agent", g.cfg.UserAgent)
		}

		start := time.Now()
		resp, err := g.client.Do(req)
		g.latency.Observe(time.Since(start).Seconds(), observability.L("endpoint", endpoint))
		if err != nil {
			g.count(endpoint, "network_error")
			return fmt.Errorf("%s: %w", endpoint, err)
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode >= http.StatusInternalServerError:
			g.count(endpoint, "server_error")
			return fmt.Errorf("%s: marketplace returned %d", endpoint, resp.StatusCode)
		case resp.StatusCode >= http.StatusBadRequest:
			g.count(endpoint, "client_error")
			detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return backoff.Permanent(retry.Permanent(fmt.Errorf("%s: marketplace returned %d: %s", endpoint, resp.StatusCode, detail)))
		}

		g.count(endpoint, "ok")
		if out == nil {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return backoff.Permanent(retry.Permanent(fmt.Errorf("%s: decode response: %w", endpoint, err)))
		}
		return nil
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(
			backoff.WithInitialInterval(g.cfg.InitialInterval),
		), g.cfg.MaxRetries),
		ctx,
	)
	return backoff.Retry(operation, policy)
}

func (g *Gateway) count(endpoint, outcome string) {
	g.requests.Add(1,
		observability.L("endpoint", endpoint),
		observability.L("outcome", outcome),
	)
}
