package models

// OrderDraft is the partial order accumulated across turns. A nil field is unknown; the
// merge rules live in package order. Addons distinguishes nil (not asked yet) from an
// empty slice (the customer declined extras), so it is serialized without omitempty.
type OrderDraft struct {
	Producto   *string  `json:"producto,omitempty"`
	ProductoID *string  `json:"productoId,omitempty"`
	Tamano     *string  `json:"tamano,omitempty"`
	TamanoID   *string  `json:"tamanoId,omitempty"`
	Addons     []string `json:"addons"`
	Cantidad   *int     `json:"cantidad,omitempty"`
	Confirmado *bool    `json:"confirmado,omitempty"`
	// Total is computed from the catalog whenever the product is known; it is not merged.
	Total int `json:"total,omitempty"`
}

// IsEmpty reports whether no field has been filled.
func (d *OrderDraft) IsEmpty() bool {
	return d == nil || (d.Producto == nil && d.ProductoID == nil && d.Tamano == nil && d.TamanoID == nil &&
		d.Addons == nil && d.Cantidad == nil && d.Confirmado == nil)
}

// IsConfirmed reports whether the customer confirmed the order.
func (d *OrderDraft) IsConfirmed() bool {
	return d != nil && d.Confirmado != nil && *d.Confirmado
}

// HasProduct reports whether a product has been chosen.
func (d *OrderDraft) HasProduct() bool {
	return d != nil && d.Producto != nil && *d.Producto != ""
}

// Str returns a pointer to s, for filling draft fields.
func Str(s string) *string { return &s }

// Int returns a pointer to n.
func Int(n int) *int { return &n }

// Bool returns a pointer to b.
func Bool(b bool) *bool { return &b }

// Deref returns the pointed-to string or "".
func Deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
