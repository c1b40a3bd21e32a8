package entities

import "errors"

const (
	// DefaultShopID names the catalog served when no shop is configured.
	DefaultShopID = "default"

	DefaultLanguage = "es-ES"
	DefaultGreeting = "Hola, gracias por llamar. Un momento por favor…"
)

// DefaultInstructions is the system prompt for the kebab ordering agent.
const DefaultInstructions = `
Eres un asistente telefónico automático para una tienda de kebab en España.

OBJETIVO:
- Atender llamadas y tomar pedidos en español.
- Mantener respuestas cortas y claras.
- Confirmar el pedido antes de enviarlo.

FLUJO:
1. Saluda: "Hola, gracias por llamar. ¿Qué te gustaría pedir?"
2. Pregunta por tipo de producto: kebab, durum, plato, patatas, bebidas.
3. Pregunta carne, tamaño, salsas y extras.
4. Pregunta si es para recoger o a domicilio.
5. Si es domicilio, pide dirección completa.
6. Pide nombre y teléfono.
7. Resume el pedido claramente.
8. Llama a submit_order con el pedido completo.

ESTILO:
- Corto, directo, natural.
- Español europeo (España).
`

// Shop is the per-tenant configuration selected by the shop path parameter.
type Shop struct {
	ID           string `json:"id" bson:"_id"`
	Name         string `json:"name" bson:"name"`
	Language     string `json:"language" bson:"language"`
	Greeting     string `json:"greeting" bson:"greeting"`
	Instructions string `json:"instructions" bson:"instructions"`
	// Voice overrides the realtime provider's default voice when set.
	Voice string `json:"voice,omitempty" bson:"voice,omitempty"`
	Menu  Menu   `json:"menu" bson:"menu"`
}

// NewDefaultShop returns a shop with the default kebab configuration.
func NewDefaultShop(id string) *Shop {
	return &Shop{
		ID:           id,
		Name:         "Kebab",
		Language:     DefaultLanguage,
		Greeting:     DefaultGreeting,
		Instructions: DefaultInstructions,
		Menu:         DefaultMenu(),
	}
}

// WithID returns a copy of the shop served under another id.
func (s *Shop) WithID(id string) *Shop {
	clone := *s
	clone.ID = id
	clone.Menu = s.Menu.Clone()
	return &clone
}

// ApplyDefaults fills the fields a shop left empty from base. A menu without
// items is replaced by base's menu.
func (s *Shop) ApplyDefaults(base *Shop) {
	if base == nil {
		return
	}
	if s.Name == "" {
		s.Name = base.Name
	}
	if s.Language == "" {
		s.Language = base.Language
	}
	if s.Greeting == "" {
		s.Greeting = base.Greeting
	}
	if s.Instructions == "" {
		s.Instructions = base.Instructions
	}
	if len(s.Menu.Items()) == 0 {
		s.Menu = base.Menu.Clone()
	}
}

// Validate checks the shop configuration.
func (s *Shop) Validate() error {
	if s.ID == "" {
		return errors.New("shop id is required")
	}
	if s.Instructions == "" {
		return errors.New("shop instructions are required")
	}
	if len(s.Menu.Items()) == 0 {
		return errors.New("shop menu must contain at least one item")
	}
	return nil
}
