package api

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/tiendavoz/voicebridge/domain/entities"
	"github.com/tiendavoz/voicebridge/domain/repositories"
	"github.com/tiendavoz/voicebridge/internal/auth"
	"github.com/tiendavoz/voicebridge/internal/twiml"
	"github.com/tiendavoz/voicebridge/internal/websocket"
)

const (
	healthMessage = "Kebab Voice Agent Online!"

	defaultOrderLimit = 20
	maxOrderLimit     = 200
)

// CallHub bridges media streams and reports on active calls
type CallHub interface {
	HandleMediaStream(c echo.Context, shop *entities.Shop) error
	ActiveCalls() []websocket.CallSummary
	CloseCall(callID, reason string) bool
}

// ShopDirectory resolves shops by id
type ShopDirectory interface {
	repositories.ShopRepository
	Restricted() bool
}

// Dependencies are the collaborators the routes need. Orders and Tokens may
// be nil. The operator routes are only registered when OperatorToken is set.
type Dependencies struct {
	Hub           CallHub
	Shops         ShopDirectory
	Orders        repositories.OrderRepository
	Tokens        *auth.StreamTokens
	OperatorToken string
}

// InitRoutes initializes all API routes
func InitRoutes(e *echo.Echo, deps Dependencies, logger *zap.Logger) {
	// Health check
	e.GET("/", health)
	e.GET("/health", health)

	// Twilio voice webhook
	e.Any("/clients/:shop/incoming-call", func(c echo.Context) error {
		return incomingCall(c, deps, logger)
	})

	// Twilio media stream
	e.GET("/media-stream/:shop", func(c echo.Context) error {
		shop, err := lookupShop(c, deps.Shops)
		if err != nil {
			return shopError(c, err, logger)
		}
		return deps.Hub.HandleMediaStream(c, shop)
	})

	if deps.OperatorToken == "" {
		logger.Info("Operator routes disabled, no operator token configured")
		return
	}
	requireOperator := operatorAuth(deps.OperatorToken, logger)

	// Operations
	e.GET("/shops", func(c echo.Context) error {
		return listShops(c, deps.Shops, logger)
	}, requireOperator)
	e.GET("/calls", func(c echo.Context) error {
		return c.JSON(http.StatusOK, CallsResponse{Calls: deps.Hub.ActiveCalls()})
	}, requireOperator)
	e.DELETE("/calls/:id", func(c echo.Context) error {
		return closeCall(c, deps.Hub, logger)
	}, requireOperator)

	if deps.Orders != nil {
		e.GET("/clients/:shop/orders", func(c echo.Context) error {
			return listOrders(c, deps, logger)
		}, requireOperator)
		e.GET("/clients/:shop/orders/:id", func(c echo.Context) error {
			return getOrder(c, deps, logger)
		}, requireOperator)
	}
}

// operatorAuth accepts requests carrying "Authorization: Bearer <token>".
func operatorAuth(token string, logger *zap.Logger) echo.MiddlewareFunc {
	return middleware.KeyAuthWithConfig(middleware.KeyAuthConfig{
		Validator: func(key string, c echo.Context) (bool, error) {
			return subtle.ConstantTimeCompare([]byte(key), []byte(token)) == 1, nil
		},
		ErrorHandler: func(err error, c echo.Context) error {
			logger.Warn("Rejected operator request",
				zap.String("path", c.Path()),
				zap.String("remoteIP", c.RealIP()),
				zap.Error(err))
			return c.JSON(http.StatusUnauthorized, ErrorResponse{
				Error:   "unauthorized",
				Message: "Missing or invalid operator token",
			})
		},
	})
}

func health(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{
		Message: healthMessage,
		Status:  "ok",
	})
}

// incomingCall answers the voice webhook with TwiML that greets the caller
// and connects the call to the shop's media stream.
func incomingCall(c echo.Context, deps Dependencies, logger *zap.Logger) error {
	shop, err := lookupShop(c, deps.Shops)
	if err != nil {
		return shopError(c, err, logger)
	}

	callSID := c.FormValue("CallSid")
	logger.Info("Incoming call",
		zap.String("shop", shop.ID),
		zap.String("callSid", callSID),
		zap.String("from", c.FormValue("From")),
		zap.String("to", c.FormValue("To")))

	params := map[string]string{}
	if deps.Tokens != nil {
		token, err := deps.Tokens.Generate(shop.ID, callSID)
		if err != nil {
			logger.Error("Failed to generate stream token",
				zap.String("shop", shop.ID),
				zap.Error(err))
			return c.JSON(http.StatusInternalServerError, ErrorResponse{
				Error:   "token_generation_failed",
				Message: "Failed to generate stream token",
			})
		}
		params[websocket.StreamTokenParameter] = token
	}

	streamURL := twiml.StreamURL(c.Request().Host, shop.ID)
	body, err := twiml.NewConnectResponse(shop.Language, shop.Greeting, streamURL, params).Marshal()
	if err != nil {
		logger.Error("Failed to render TwiML", zap.Error(err))
		return c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "internal_error",
			Message: "Failed to render call response",
		})
	}

	return c.Blob(http.StatusOK, twiml.ContentType, body)
}

func lookupShop(c echo.Context, shops ShopDirectory) (*entities.Shop, error) {
	return shops.GetByID(c.Request().Context(), c.Param("shop"))
}

func shopError(c echo.Context, err error, logger *zap.Logger) error {
	if errors.Is(err, repositories.ErrShopNotFound) {
		logger.Warn("Rejected request for unknown shop",
			zap.String("shop", c.Param("shop")),
			zap.String("path", c.Path()))
		return c.JSON(http.StatusNotFound, ErrorResponse{
			Error:   "shop_not_found",
			Message: "Unknown shop",
		})
	}

	logger.Error("Failed to resolve shop", zap.String("shop", c.Param("shop")), zap.Error(err))
	return c.JSON(http.StatusInternalServerError, ErrorResponse{
		Error:   "internal_error",
		Message: "Failed to resolve shop",
	})
}

func listShops(c echo.Context, shops ShopDirectory, logger *zap.Logger) error {
	list, err := shops.List(c.Request().Context())
	if err != nil {
		logger.Error("Failed to list shops", zap.Error(err))
		return c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "internal_error",
			Message: "Failed to list shops",
		})
	}

	return c.JSON(http.StatusOK, ShopsResponse{Shops: list, Restricted: shops.Restricted()})
}

func closeCall(c echo.Context, hub CallHub, logger *zap.Logger) error {
	id := c.Param("id")
	if !hub.CloseCall(id, websocket.ReasonClosedByOperator) {
		return c.JSON(http.StatusNotFound, ErrorResponse{
			Error:   "call_not_found",
			Message: "No active call with that id",
		})
	}

	logger.Info("Call closed by operator", zap.String("callID", id))
	return c.NoContent(http.StatusNoContent)
}

func listOrders(c echo.Context, deps Dependencies, logger *zap.Logger) error {
	shop, err := lookupShop(c, deps.Shops)
	if err != nil {
		return shopError(c, err, logger)
	}

	limit := defaultOrderLimit
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return c.JSON(http.StatusBadRequest, ErrorResponse{
				Error:   "invalid_request",
				Message: "limit must be a positive integer",
			})
		}
		limit = min(n, maxOrderLimit)
	}

	orders, err := deps.Orders.ListByShop(c.Request().Context(), shop.ID, limit)
	if err != nil {
		logger.Error("Failed to list orders", zap.String("shop", shop.ID), zap.Error(err))
		return c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "internal_error",
			Message: "Failed to list orders",
		})
	}
	if orders == nil {
		orders = []*entities.Order{}
	}

	return c.JSON(http.StatusOK, OrdersResponse{Shop: shop.ID, Orders: orders})
}

func getOrder(c echo.Context, deps Dependencies, logger *zap.Logger) error {
	shop, err := lookupShop(c, deps.Shops)
	if err != nil {
		return shopError(c, err, logger)
	}

	order, err := deps.Orders.GetByID(c.Request().Context(), c.Param("id"))
	if errors.Is(err, repositories.ErrOrderNotFound) || (err == nil && order.Shop != shop.ID) {
		return c.JSON(http.StatusNotFound, ErrorResponse{
			Error:   "order_not_found",
			Message: "Order not found",
		})
	}
	if err != nil {
		logger.Error("Failed to get order", zap.String("orderID", c.Param("id")), zap.Error(err))
		return c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "internal_error",
			Message: "Failed to get order",
		})
	}

	return c.JSON(http.StatusOK, order)
}
