// Package order accumulates order details across turns and decides what to ask next.
package order

import "github.com/BTreeMap/OrderPipe/internal/models"

// Merge combines a stored draft with newly extracted slots. A field present in slots
// overwrites the stored value and an absent field keeps it. A confirmed draft stays
// confirmed; only an explicit reset of the session memory can clear it.
// Neither argument is modified.
func Merge(existing, slots *models.OrderDraft) models.OrderDraft {
	out := Clone(existing)
	if slots == nil {
		return out
	}
	if slots.Producto != nil {
		out.Producto = models.Str(*slots.Producto)
	}
	if slots.ProductoID != nil {
		out.ProductoID = models.Str(*slots.ProductoID)
	}
	if slots.Tamano != nil {
		out.Tamano = models.Str(*slots.Tamano)
	}
	if slots.TamanoID != nil {
		out.TamanoID = models.Str(*slots.TamanoID)
	}
	if slots.Addons != nil {
		out.Addons = append([]string{}, slots.Addons...)
	}
	if slots.Cantidad != nil {
		out.Cantidad = models.Int(*slots.Cantidad)
	}
	if slots.Confirmado != nil && !out.IsConfirmed() {
		out.Confirmado = models.Bool(*slots.Confirmado)
	}
	return out
}

// Clone returns a deep copy of d; nil yields an empty draft.
func Clone(d *models.OrderDraft) models.OrderDraft {
	if d == nil {
		return models.OrderDraft{}
	}
	out := models.OrderDraft{}
	if d.Producto != nil {
		out.Producto = models.Str(*d.Producto)
	}
	if d.ProductoID != nil {
		out.ProductoID = models.Str(*d.ProductoID)
	}
	if d.Tamano != nil {
		out.Tamano = models.Str(*d.Tamano)
	}
	if d.TamanoID != nil {
		out.TamanoID = models.Str(*d.TamanoID)
	}
	if d.Addons != nil {
		out.Addons = append([]string{}, d.Addons...)
	}
	if d.Cantidad != nil {
		out.Cantidad = models.Int(*d.Cantidad)
	}
	if d.Confirmado != nil {
		out.Confirmado = models.Bool(*d.Confirmado)
	}
	out.Total = d.Total
	return out
}
