package entities

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// OrderType tells the shop how the order leaves the counter.
type OrderType string

const (
	OrderTypePickup   OrderType = "recogida"
	OrderTypeDelivery OrderType = "domicilio"
)

// ErrInvalidOrder is returned when an order payload does not satisfy the
// order schema.
var ErrInvalidOrder = errors.New("invalid order")

// OrderItem is one line of an order.
type OrderItem struct {
	ItemID   string   `json:"item_id" bson:"item_id" validate:"required"`
	Name     string   `json:"name,omitempty" bson:"name,omitempty"`
	Size     string   `json:"size,omitempty" bson:"size,omitempty"`
	Quantity int      `json:"quantity" bson:"quantity" validate:"required,min=1"`
	Sauces   []string `json:"sauces,omitempty" bson:"sauces,omitempty"`
	Extras   []string `json:"extras,omitempty" bson:"extras,omitempty"`
}

// Order is the payload the voice agent submits once the caller confirms.
// ID, Shop, CallID and ReceivedAt are stamped by the service on acceptance.
type Order struct {
	ID                     string      `json:"id,omitempty" bson:"_id,omitempty"`
	Shop                   string      `json:"shop,omitempty" bson:"shop"`
	CallID                 string      `json:"call_id,omitempty" bson:"call_id,omitempty"`
	CustomerName           string      `json:"customer_name,omitempty" bson:"customer_name,omitempty"`
	PhoneNumber            string      `json:"phone_number,omitempty" bson:"phone_number,omitempty"`
	OrderType              OrderType   `json:"order_type" bson:"order_type" validate:"required,oneof=recogida domicilio"`
	DeliveryAddress        string      `json:"delivery_address,omitempty" bson:"delivery_address,omitempty" validate:"required_if=OrderType domicilio"`
	Items                  []OrderItem `json:"items" bson:"items" validate:"required,min=1,dive"`
	Comment                string      `json:"comment,omitempty" bson:"comment,omitempty"`
	TotalEstimatedPriceEUR *float64    `json:"total_estimated_price_eur,omitempty" bson:"total_estimated_price_eur,omitempty" validate:"omitempty,gte=0"`
	ReceivedAt             time.Time   `json:"received_at,omitempty" bson:"received_at"`
}

var orderValidator = newOrderValidator()

func newOrderValidator() *validator.Validate {
	v := validator.New()
	// Report json field names so errors read the same as the payload.
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// DecodeOrder parses and validates a raw order payload.
func DecodeOrder(raw []byte) (*Order, error) {
	var order Order
	if err := json.Unmarshal(raw, &order); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidOrder, err)
	}
	if err := order.Validate(); err != nil {
		return nil, err
	}
	return &order, nil
}

// Validate checks the order against the order schema.
func (o *Order) Validate() error {
	err := orderValidator.Struct(o)
	if err == nil {
		return nil
	}

	var validationErrors validator.ValidationErrors
	if !errors.As(err, &validationErrors) {
		return fmt.Errorf("%w: %v", ErrInvalidOrder, err)
	}

	problems := make([]string, 0, len(validationErrors))
	for _, fe := range validationErrors {
		problems = append(problems, describeFieldError(fe))
	}
	return fmt.Errorf("%w: %s", ErrInvalidOrder, strings.Join(problems, "; "))
}

func describeFieldError(fe validator.FieldError) string {
	field := strings.TrimPrefix(fe.Namespace(), "Order.")
	switch fe.Tag() {
	case "required":
		return field + " is required"
	case "required_if":
		return field + " is required for delivery orders"
	case "min":
		return fmt.Sprintf("%s must be at least %s", field, fe.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of [%s]", field, fe.Param())
	case "gte":
		return fmt.Sprintf("%s must be greater than or equal to %s", field, fe.Param())
	default:
		return fmt.Sprintf("%s failed %s", field, fe.Tag())
	}
}

// Stamp assigns the service-side identity of an accepted order.
func (o *Order) Stamp(shop, callID string) {
	if o.ID == "" {
		o.ID = uuid.New().String()
	}
	o.Shop = shop
	o.CallID = callID
	o.ReceivedAt = time.Now().UTC()
}

// ItemCount returns the total quantity across all lines.
func (o *Order) ItemCount() int {
	total := 0
	for _, item := range o.Items {
		total += item.Quantity
	}
	return total
}

// EstimateTotal prices the order from the menu's base prices. Lines whose
// item is not on the menu are skipped and reported.
func (o *Order) EstimateTotal(menu Menu) (float64, []string) {
	var total float64
	var unknown []string
	for _, line := range o.Items {
		item, ok := menu.FindItem(line.ItemID)
		if !ok {
			unknown = append(unknown, line.ItemID)
			continue
		}
		total += item.BasePrice * float64(line.Quantity)
	}
	return total, unknown
}
