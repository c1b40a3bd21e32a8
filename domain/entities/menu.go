package entities

// MenuItem is a single orderable product with its base price in euros.
type MenuItem struct {
	ID        string  `json:"id" bson:"id"`
	Name      string  `json:"name" bson:"name"`
	BasePrice float64 `json:"basePrice" bson:"base_price"`
}

// Menu is the catalog a shop reads to callers. A Menu is built once at start
// and never mutated afterwards; Clone hands out independent copies.
type Menu struct {
	Kebabs []MenuItem `json:"kebabs" bson:"kebabs"`
	Sides  []MenuItem `json:"sides" bson:"sides"`
	Drinks []MenuItem `json:"drinks" bson:"drinks"`
	Sauces []string   `json:"sauces" bson:"sauces"`
}

// DefaultMenu returns the kebab shop catalog served when a shop has no
// catalog of its own.
func DefaultMenu() Menu {
	return Menu{
		Kebabs: []MenuItem{
			{ID: "kebab-normal", Name: "Kebab en pan", BasePrice: 5.5},
			{ID: "durum-normal", Name: "Durum kebab", BasePrice: 6.0},
		},
		Sides: []MenuItem{
			{ID: "patatas", Name: "Patatas fritas", BasePrice: 3.0},
		},
		Drinks: []MenuItem{
			{ID: "coca-lata", Name: "Coca-Cola lata", BasePrice: 2.0},
			{ID: "agua", Name: "Agua 50cl", BasePrice: 1.5},
		},
		Sauces: []string{"yogur", "picante", "barbacoa", "ketchup", "mayonesa"},
	}
}

// Clone returns a deep copy of the menu.
func (m Menu) Clone() Menu {
	return Menu{
		Kebabs: append([]MenuItem(nil), m.Kebabs...),
		Sides:  append([]MenuItem(nil), m.Sides...),
		Drinks: append([]MenuItem(nil), m.Drinks...),
		Sauces: append([]string(nil), m.Sauces...),
	}
}

// Items returns every item across all categories.
func (m Menu) Items() []MenuItem {
	items := make([]MenuItem, 0, len(m.Kebabs)+len(m.Sides)+len(m.Drinks))
	items = append(items, m.Kebabs...)
	items = append(items, m.Sides...)
	items = append(items, m.Drinks...)
	return items
}

// FindItem looks up an item by id in any category.
func (m Menu) FindItem(id string) (MenuItem, bool) {
	for _, item := range m.Items() {
		if item.ID == id {
			return item, true
		}
	}
	return MenuItem{}, false
}

// HasSauce reports whether the sauce is offered.
func (m Menu) HasSauce(name string) bool {
	for _, sauce := range m.Sauces {
		if sauce == name {
			return true
		}
	}
	return false
}
