package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/tiendavoz/voicebridge/adapters"
	"github.com/tiendavoz/voicebridge/domain/entities"
	"github.com/tiendavoz/voicebridge/internal/auth"
	"github.com/tiendavoz/voicebridge/internal/twiml"
	"github.com/tiendavoz/voicebridge/internal/websocket"
)

type fakeHub struct {
	calls   []websocket.CallSummary
	closed  []string
	streams []string
}

func (h *fakeHub) HandleMediaStream(c echo.Context, shop *entities.Shop) error {
	h.streams = append(h.streams, shop.ID)
	return c.NoContent(http.StatusSwitchingProtocols)
}

func (h *fakeHub) ActiveCalls() []websocket.CallSummary { return h.calls }

func (h *fakeHub) CloseCall(callID, reason string) bool {
	for _, call := range h.calls {
		if call.ID == callID {
			h.closed = append(h.closed, callID)
			return true
		}
	}
	return false
}

const testOperatorToken = "operator-secret"

func newTestServer(deps Dependencies) *echo.Echo {
	if deps.Hub == nil {
		deps.Hub = &fakeHub{}
	}
	if deps.Shops == nil {
		deps.Shops = adapters.NewMemoryShopRepository(nil, nil)
	}

	e := echo.New()
	InitRoutes(e, deps, zap.NewNop())
	return e
}

func operatorRequest(method, path string) *http.Request {
	req := httptest.NewRequest(method, path, nil)
	req.Header.Set(echo.HeaderAuthorization, "Bearer "+testOperatorToken)
	return req
}

func serve(e *echo.Echo, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	e := newTestServer(Dependencies{})

	rec := serve(e, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}

	var body HealthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("Failed to decode body: %v", err)
	}
	if body.Message != "Kebab Voice Agent Online!" || body.Status != "ok" {
		t.Errorf("Unexpected health body %+v", body)
	}
}

func TestIncomingCallStreamURL(t *testing.T) {
	e := newTestServer(Dependencies{})

	hosts := []string{"example.ngrok.app", "localhost:8080", "voice.kebab.es"}
	shops := []string{"kebab-centro", "tienda1", "default"}

	for _, host := range hosts {
		for _, shop := range shops {
			for _, method := range []string{http.MethodPost, http.MethodGet} {
				req := httptest.NewRequest(method, "/clients/"+shop+"/incoming-call", nil)
				req.Host = host

				rec := serve(e, req)
				if rec.Code != http.StatusOK {
					t.Fatalf("%s %s@%s: expected 200, got %d", method, shop, host, rec.Code)
				}
				if ct := rec.Header().Get(echo.HeaderContentType); !strings.HasPrefix(ct, "text/xml") {
					t.Errorf("Expected text/xml, got %s", ct)
				}

				want := "wss://" + host + "/media-stream/" + shop
				if !strings.Contains(rec.Body.String(), want) {
					t.Errorf("Expected body to contain %s, got %s", want, rec.Body.String())
				}
			}
		}
	}
}

func TestIncomingCallTwiML(t *testing.T) {
	e := newTestServer(Dependencies{})

	form := url.Values{"CallSid": {"CA123"}, "From": {"+34600000000"}, "To": {"+34911111111"}}
	req := httptest.NewRequest(http.MethodPost, "/clients/kebab/incoming-call", strings.NewReader(form.Encode()))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationForm)
	req.Host = "voice.example.com"

	rec := serve(e, req)
	response, err := twiml.Parse(rec.Body.Bytes())
	if err != nil {
		t.Fatalf("Failed to parse TwiML: %v", err)
	}

	if response.Say == nil || response.Say.Language != entities.DefaultLanguage || response.Say.Text != entities.DefaultGreeting {
		t.Errorf("Unexpected greeting %+v", response.Say)
	}
	if response.Connect == nil || response.Connect.Stream.URL != "wss://voice.example.com/media-stream/kebab" {
		t.Fatalf("Unexpected connect %+v", response.Connect)
	}
	if _, ok := response.Connect.Stream.Param(websocket.StreamTokenParameter); ok {
		t.Error("Expected no stream token without a secret")
	}
}

func TestIncomingCallRegisteredShop(t *testing.T) {
	norte := &entities.Shop{
		ID:       "kebab-norte",
		Language: "ca-ES",
		Greeting: "Benvinguts a Kebab Nord",
	}
	shops := adapters.NewMemoryShopRepository(nil, nil)
	if err := shops.RegisterAll([]*entities.Shop{norte}); err != nil {
		t.Fatalf("RegisterAll failed: %v", err)
	}
	e := newTestServer(Dependencies{Shops: shops})

	req := httptest.NewRequest(http.MethodPost, "/clients/kebab-norte/incoming-call", nil)
	req.Host = "voice.example.com"
	response, err := twiml.Parse(serve(e, req).Body.Bytes())
	if err != nil {
		t.Fatalf("Failed to parse TwiML: %v", err)
	}
	if response.Say == nil || response.Say.Language != "ca-ES" || response.Say.Text != "Benvinguts a Kebab Nord" {
		t.Errorf("Expected the registered greeting, got %+v", response.Say)
	}

	other := httptest.NewRequest(http.MethodPost, "/clients/kebab-sur/incoming-call", nil)
	response, err = twiml.Parse(serve(e, other).Body.Bytes())
	if err != nil {
		t.Fatalf("Failed to parse TwiML: %v", err)
	}
	if response.Say == nil || response.Say.Text != entities.DefaultGreeting {
		t.Errorf("Expected the default greeting for an unregistered shop, got %+v", response.Say)
	}
}

func TestIncomingCallStreamToken(t *testing.T) {
	tokens, err := auth.NewStreamTokens("secret", time.Minute)
	if err != nil {
		t.Fatalf("Failed to create tokens: %v", err)
	}
	e := newTestServer(Dependencies{Tokens: tokens})

	req := httptest.NewRequest(http.MethodPost, "/clients/kebab/incoming-call?CallSid=CA9", nil)
	req.Host = "voice.example.com"

	response, err := twiml.Parse(serve(e, req).Body.Bytes())
	if err != nil {
		t.Fatalf("Failed to parse TwiML: %v", err)
	}
	if response.Connect.Stream.URL != "wss://voice.example.com/media-stream/kebab" {
		t.Errorf("Stream URL must not carry the token, got %s", response.Connect.Stream.URL)
	}

	token, ok := response.Connect.Stream.Param(websocket.StreamTokenParameter)
	if !ok {
		t.Fatal("Expected a stream token parameter")
	}
	claims, err := tokens.Validate(token, "kebab")
	if err != nil {
		t.Fatalf("Expected valid token, got %v", err)
	}
	if claims.CallSID != "CA9" {
		t.Errorf("Expected call sid CA9, got %s", claims.CallSID)
	}
}

func TestShopAllowlist(t *testing.T) {
	hub := &fakeHub{}
	e := newTestServer(Dependencies{
		Hub:   hub,
		Shops: adapters.NewMemoryShopRepository(nil, []string{"kebab-centro"}),
	})

	tests := []struct {
		name   string
		method string
		path   string
		want   int
	}{
		{"allowed webhook", http.MethodPost, "/clients/kebab-centro/incoming-call", http.StatusOK},
		{"unknown webhook", http.MethodPost, "/clients/other/incoming-call", http.StatusNotFound},
		{"allowed stream", http.MethodGet, "/media-stream/kebab-centro", http.StatusSwitchingProtocols},
		{"unknown stream", http.MethodGet, "/media-stream/other", http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := serve(e, httptest.NewRequest(tt.method, tt.path, nil))
			if rec.Code != tt.want {
				t.Fatalf("Expected %d, got %d", tt.want, rec.Code)
			}
			if tt.want == http.StatusNotFound {
				var body ErrorResponse
				if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil || body.Error != "shop_not_found" {
					t.Errorf("Unexpected error body %s", rec.Body.String())
				}
			}
		})
	}

	if len(hub.streams) != 1 || hub.streams[0] != "kebab-centro" {
		t.Errorf("Expected one bridged stream, got %v", hub.streams)
	}
}

func TestCalls(t *testing.T) {
	hub := &fakeHub{calls: []websocket.CallSummary{{ID: "c1", Shop: "kebab", Status: entities.CallStatusStreaming}}}
	e := newTestServer(Dependencies{Hub: hub, OperatorToken: testOperatorToken})

	rec := serve(e, operatorRequest(http.MethodGet, "/calls"))
	var body CallsResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("Failed to decode calls: %v", err)
	}
	if len(body.Calls) != 1 || body.Calls[0].ID != "c1" {
		t.Errorf("Unexpected calls %+v", body.Calls)
	}

	if rec := serve(e, operatorRequest(http.MethodDelete, "/calls/c1")); rec.Code != http.StatusNoContent {
		t.Errorf("Expected 204, got %d", rec.Code)
	}
	if rec := serve(e, operatorRequest(http.MethodDelete, "/calls/missing")); rec.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", rec.Code)
	}
	if len(hub.closed) != 1 || hub.closed[0] != "c1" {
		t.Errorf("Unexpected closed calls %v", hub.closed)
	}
}

func TestOrders(t *testing.T) {
	orders := adapters.NewMemoryOrderRepository(0)
	for i, shop := range []string{"kebab", "kebab", "other"} {
		order := &entities.Order{
			OrderType: entities.OrderTypePickup,
			Items:     []entities.OrderItem{{ItemID: "kebab-normal", Quantity: i + 1}},
		}
		order.Stamp(shop, "call")
		if err := orders.Submit(context.Background(), order); err != nil {
			t.Fatalf("Submit failed: %v", err)
		}
	}
	e := newTestServer(Dependencies{Orders: orders, OperatorToken: testOperatorToken})

	rec := serve(e, operatorRequest(http.MethodGet, "/clients/kebab/orders?limit=1"))
	var body OrdersResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("Failed to decode orders: %v", err)
	}
	if body.Shop != "kebab" || len(body.Orders) != 1 {
		t.Fatalf("Unexpected orders %+v", body)
	}

	id := body.Orders[0].ID
	if rec := serve(e, operatorRequest(http.MethodGet, "/clients/kebab/orders/"+id)); rec.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", rec.Code)
	}
	if rec := serve(e, operatorRequest(http.MethodGet, "/clients/other/orders/"+id)); rec.Code != http.StatusNotFound {
		t.Errorf("Expected 404 for another shop's order, got %d", rec.Code)
	}
	if rec := serve(e, operatorRequest(http.MethodGet, "/clients/kebab/orders?limit=zero")); rec.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for bad limit, got %d", rec.Code)
	}
}

func TestOrdersRouteRequiresRepository(t *testing.T) {
	e := newTestServer(Dependencies{OperatorToken: testOperatorToken})

	if rec := serve(e, operatorRequest(http.MethodGet, "/clients/kebab/orders")); rec.Code != http.StatusNotFound {
		t.Errorf("Expected 404 without an order repository, got %d", rec.Code)
	}
}

func TestOperatorRoutesRequireToken(t *testing.T) {
	orders := adapters.NewMemoryOrderRepository(0)
	order := &entities.Order{
		CustomerName:    "Lucía",
		PhoneNumber:     "+34600111222",
		OrderType:       entities.OrderTypeDelivery,
		DeliveryAddress: "Calle Mayor 1",
		Items:           []entities.OrderItem{{ItemID: "kebab-normal", Quantity: 1}},
	}
	order.Stamp("kebab-centro", "call")
	if err := orders.Submit(context.Background(), order); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	hub := &fakeHub{calls: []websocket.CallSummary{{ID: "live-call", Shop: "kebab-centro"}}}
	e := newTestServer(Dependencies{Hub: hub, Orders: orders, OperatorToken: testOperatorToken})

	routes := []struct {
		method string
		path   string
	}{
		{http.MethodGet, "/shops"},
		{http.MethodGet, "/calls"},
		{http.MethodDelete, "/calls/live-call"},
		{http.MethodGet, "/clients/kebab-centro/orders"},
		{http.MethodGet, "/clients/kebab-centro/orders/" + order.ID},
	}

	credentials := map[string]string{
		"missing": "",
		"wrong":   "Bearer not-the-token",
		"scheme":  "Basic " + testOperatorToken,
	}

	for _, route := range routes {
		for name, header := range credentials {
			t.Run(route.method+" "+route.path+" "+name, func(t *testing.T) {
				req := httptest.NewRequest(route.method, route.path, nil)
				if header != "" {
					req.Header.Set(echo.HeaderAuthorization, header)
				}

				rec := serve(e, req)
				if rec.Code != http.StatusUnauthorized {
					t.Fatalf("Expected 401, got %d", rec.Code)
				}
				if strings.Contains(rec.Body.String(), "Lucía") || strings.Contains(rec.Body.String(), "+34600111222") {
					t.Errorf("Response leaked order data: %s", rec.Body.String())
				}

				var body ErrorResponse
				if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil || body.Error != "unauthorized" {
					t.Errorf("Unexpected error body %s", rec.Body.String())
				}
			})
		}
	}

	if len(hub.closed) != 0 {
		t.Errorf("Expected no call closed without credentials, got %v", hub.closed)
	}
}

func TestOperatorRoutesDisabledWithoutToken(t *testing.T) {
	hub := &fakeHub{calls: []websocket.CallSummary{{ID: "live-call", Shop: "kebab"}}}
	e := newTestServer(Dependencies{Hub: hub, Orders: adapters.NewMemoryOrderRepository(0)})

	for _, req := range []*http.Request{
		operatorRequest(http.MethodGet, "/shops"),
		operatorRequest(http.MethodGet, "/calls"),
		operatorRequest(http.MethodDelete, "/calls/live-call"),
		operatorRequest(http.MethodGet, "/clients/kebab/orders"),
	} {
		if rec := serve(e, req); rec.Code != http.StatusNotFound && rec.Code != http.StatusMethodNotAllowed {
			t.Errorf("%s %s: expected route to be absent, got %d", req.Method, req.URL.Path, rec.Code)
		}
	}
	if len(hub.closed) != 0 {
		t.Errorf("Expected no call closed, got %v", hub.closed)
	}

	// The public routes stay available.
	if rec := serve(e, httptest.NewRequest(http.MethodPost, "/clients/kebab/incoming-call", nil)); rec.Code != http.StatusOK {
		t.Errorf("Expected webhook to answer, got %d", rec.Code)
	}
}
