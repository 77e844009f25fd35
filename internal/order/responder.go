package order

import (
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"

	"github.com/BTreeMap/OrderPipe/internal/catalog"
	"github.com/BTreeMap/OrderPipe/internal/intent"
	"github.com/BTreeMap/OrderPipe/internal/models"
	"github.com/BTreeMap/OrderPipe/internal/util"
)

// Option ids carried by structured selections while an order is being taken.
const (
	SizeOptionPrefix  = "size:"
	AddonOptionPrefix = "addon:"
	NoAddonsOptionID  = "addons:none"
	ConfirmOptionID   = "confirm:yes"
	CancelOptionID    = "confirm:no"
)

// IsOptionID reports whether id is one of the structured order selections above.
func IsOptionID(id string) bool {
	switch {
	case id == "":
		return false
	case strings.HasPrefix(id, SizeOptionPrefix), strings.HasPrefix(id, AddonOptionPrefix):
		return true
	default:
		return id == NoAddonsOptionID || id == ConfirmOptionID || id == CancelOptionID
	}
}

// Stage is the piece of information the responder is waiting for.
type Stage int

const (
	StageProduct Stage = iota
	StageSize
	StageAddons
	StageConfirm
	StageDone
)

func (s Stage) String() string {
	switch s {
	case StageProduct:
		return "product"
	case StageSize:
		return "size"
	case StageAddons:
		return "addons"
	case StageConfirm:
		return "confirm"
	case StageDone:
		return "done"
	default:
		return "unknown"
	}
}

// Policy carries the tenant's order settings for one turn.
type Policy struct {
	AllowOrders         bool
	RequireConfirmation bool
}

// Request is one order-path turn.
type Request struct {
	Text             string
	SelectedOptionID string
	Intent           models.IntentMatch
	// Draft is the stored draft; Slots are fields extracted by the AI adapter this turn.
	Draft  *models.OrderDraft
	Slots  *models.OrderDraft
	Policy Policy
}

// Reply is the responder's decision. Options are rendered by the composer as native
// buttons or as enumerated text depending on the channel.
type Reply struct {
	Text       string
	Options    []models.InteractiveOption
	Draft      models.OrderDraft
	Stage      Stage
	NextState  models.SessionState
	NeedsHuman bool
	// Completed is set on the turn the customer confirms.
	Completed bool
	// Cancelled asks the caller to clear the session memory.
	Cancelled bool
	Total     int
}

// Responder walks a customer through product, size, add-ons and confirmation.
type Responder struct {
	catalog *catalog.Catalog
}

// NewResponder creates a responder over the given catalog.
func NewResponder(c *catalog.Catalog) *Responder {
	return &Responder{catalog: c}
}

// Catalog returns the catalog the responder prices against.
func (r *Responder) Catalog() *catalog.Catalog {
	return r.catalog
}

// Respond merges what this turn adds to the draft and asks for the next missing piece.
func (r *Responder) Respond(req Request) Reply {
	existing := req.Draft
	if existing.IsConfirmed() {
		// The previous order was already handed to staff; this is a new one.
		existing = nil
	}

	prev := Clone(existing)
	r.resolve(&prev)
	stage := r.stage(&prev)
	slots := r.extract(req, &prev, stage)

	draft := Merge(existing, req.Slots)
	draft = Merge(&draft, slots)
	r.resolve(&draft)

	if !req.Policy.AllowOrders {
		return Reply{
			Text:       ordersClosedText,
			Draft:      draft,
			Stage:      r.stage(&draft),
			NextState:  models.StateHandoffRequested,
			NeedsHuman: true,
		}
	}

	if stage == StageConfirm && isCancel(req) {
		slog.Debug("Responder.Respond: order cancelled by customer", "producto", models.Deref(draft.Producto))
		return Reply{Text: cancelledText, Stage: StageProduct, NextState: models.StateIdle, Cancelled: true}
	}

	if !req.Policy.RequireConfirmation && r.stage(&draft) == StageConfirm {
		draft.Confirmado = models.Bool(true)
	}
	return r.next(draft)
}

func (r *Responder) next(draft models.OrderDraft) Reply {
	draft.Total = r.total(&draft)
	stage := r.stage(&draft)
	out := Reply{Draft: draft, Stage: stage, NextState: models.StateCollectingOrderDetails}
	p, _ := r.product(&draft)

	switch stage {
	case StageProduct:
		out.Text = r.askProduct(&draft)
	case StageSize:
		out.Text = fmt.Sprintf("¿De qué tamaño quieres tu %s?", p.Name)
		out.Options = r.options(stage, p)
	case StageAddons:
		out.Text = fmt.Sprintf("¿Quieres agregar algún extra a tu %s?", p.Name)
		out.Options = r.options(stage, p)
	case StageConfirm:
		out.Total = draft.Total
		out.Text = r.Summary(&draft) + "\n\n¿Confirmas tu pedido?"
		out.Options = r.options(stage, p)
	case StageDone:
		if out.Draft.Cantidad == nil {
			out.Draft.Cantidad = models.Int(1)
		}
		out.Draft.Total = r.total(&out.Draft)
		out.Total = out.Draft.Total
		out.Text = "¡Listo! Registramos tu pedido ✅\n\n" + r.Summary(&out.Draft) +
			"\n\nUna persona de nuestro equipo te contactará para coordinar el pago y la entrega."
		out.NextState = models.StateHandoffRequested
		out.NeedsHuman = true
		out.Completed = true
	}
	return out
}

func (r *Responder) askProduct(draft *models.OrderDraft) string {
	prompt := "¿Qué te gustaría pedir? Estas son nuestras opciones:\n\n" + r.catalog.MenuSummary() +
		"\n\nEscribe el nombre del producto, por ejemplo \"Torta Alpina\"."
	if name := models.Deref(draft.Producto); name != "" {
		return fmt.Sprintf("No encontré \"%s\" en nuestro catálogo. %s", name, prompt)
	}
	return prompt
}

// Summary renders the order lines and total.
func (r *Responder) Summary(d *models.OrderDraft) string {
	p, _ := r.product(d)
	var sb strings.Builder
	sb.WriteString("🧾 Resumen de tu pedido:\n")
	fmt.Fprintf(&sb, "• Producto: %s\n", p.Name)
	if size := models.Deref(d.Tamano); size != "" {
		fmt.Fprintf(&sb, "• Tamaño: %s\n", size)
	}
	if len(p.Addons) > 0 {
		var names []string
		for _, id := range d.Addons {
			if a, ok := p.Addon(id); ok {
				names = append(names, a.Name)
			}
		}
		extras := "Sin extras"
		if len(names) > 0 {
			extras = strings.Join(names, ", ")
		}
		fmt.Fprintf(&sb, "• Extras: %s\n", extras)
	}
	fmt.Fprintf(&sb, "• Cantidad: %d\n", quantity(d))
	fmt.Fprintf(&sb, "• Total: %s", catalog.FormatPrice(r.total(d)))
	return sb.String()
}

// Total prices a draft; an unresolved product prices at zero.
func (r *Responder) Total(d *models.OrderDraft) int {
	return r.total(d)
}

func (r *Responder) total(d *models.OrderDraft) int {
	p, ok := r.product(d)
	if !ok {
		return 0
	}
	return r.catalog.Price(p, models.Deref(d.TamanoID), d.Addons, quantity(d))
}

// StageOf reports what the responder would ask for next given d.
func (r *Responder) StageOf(d *models.OrderDraft) Stage {
	return r.stage(d)
}

func (r *Responder) stage(d *models.OrderDraft) Stage {
	p, ok := r.product(d)
	if !ok {
		return StageProduct
	}
	if len(p.Sizes) > 0 {
		if _, ok := p.Size(models.Deref(d.TamanoID)); !ok {
			return StageSize
		}
	}
	if len(p.Addons) > 0 && d.Addons == nil {
		return StageAddons
	}
	if !d.IsConfirmed() {
		return StageConfirm
	}
	return StageDone
}

func (r *Responder) product(d *models.OrderDraft) (catalog.Product, bool) {
	if d == nil || d.ProductoID == nil {
		return catalog.Product{}, false
	}
	return r.catalog.Get(*d.ProductoID)
}

// options lists the structured choices offered at a stage.
func (r *Responder) options(stage Stage, p catalog.Product) []models.InteractiveOption {
	var out []models.InteractiveOption
	switch stage {
	case StageSize:
		for _, s := range p.Sizes {
			out = append(out, models.InteractiveOption{
				ID:    SizeOptionPrefix + s.ID,
				Title: fmt.Sprintf("%s %s", s.Name, catalog.FormatPrice(s.Price)),
			})
		}
	case StageAddons:
		for _, a := range p.Addons {
			out = append(out, models.InteractiveOption{
				ID:    AddonOptionPrefix + a.ID,
				Title: fmt.Sprintf("%s +%s", a.Name, catalog.FormatPrice(a.Price)),
			})
		}
		out = append(out, models.InteractiveOption{ID: NoAddonsOptionID, Title: "Sin extras"})
	case StageConfirm:
		out = append(out,
			models.InteractiveOption{ID: ConfirmOptionID, Title: "Sí, confirmar"},
			models.InteractiveOption{ID: CancelOptionID, Title: "No, cancelar"},
		)
	}
	return out
}

// extract reads the fields this turn's text or selection provides.
func (r *Responder) extract(req Request, prev *models.OrderDraft, stage Stage) *models.OrderDraft {
	slots := &models.OrderDraft{}
	normalized := util.Normalize(req.Text)

	selected := req.SelectedOptionID
	if selected == "" && util.IsDigits(normalized) {
		// A bare number picks one of the choices offered at the current stage.
		p, _ := r.product(prev)
		if opts := r.options(stage, p); len(opts) > 0 {
			if i, err := strconv.Atoi(normalized); err == nil && i >= 1 && i <= len(opts) {
				selected = opts[i-1].ID
			}
		}
	}

	p, ok := r.catalog.FindByText(req.Text)
	if ok {
		slots.Producto = models.Str(p.Name)
		slots.ProductoID = models.Str(p.ID)
	} else {
		p, ok = r.product(prev)
	}

	switch {
	case strings.HasPrefix(selected, SizeOptionPrefix):
		slots.TamanoID = models.Str(strings.TrimPrefix(selected, SizeOptionPrefix))
	case strings.HasPrefix(selected, AddonOptionPrefix):
		slots.Addons = []string{strings.TrimPrefix(selected, AddonOptionPrefix)}
	case selected == NoAddonsOptionID:
		slots.Addons = []string{}
	case selected == ConfirmOptionID:
		slots.Confirmado = models.Bool(true)
	}

	if ok && slots.TamanoID == nil && len(p.Sizes) > 1 {
		if s, found := r.catalog.FindSize(p, req.Text, false); found {
			slots.TamanoID = models.Str(s.ID)
		}
	}

	if ok && slots.Addons == nil && len(p.Addons) > 0 {
		declined := util.ContainsWord(normalized, "sin") || util.ContainsWord(normalized, "nada")
		if found := r.catalog.FindAddons(p, req.Text); len(found) > 0 && !declined {
			for _, a := range found {
				slots.Addons = append(slots.Addons, a.ID)
			}
		} else if stage == StageAddons && (declined || intent.IsNegation(req.Intent)) {
			slots.Addons = []string{}
		}
	}

	if n, found := extractQuantity(normalized); found {
		slots.Cantidad = models.Int(n)
	}

	if stage == StageConfirm && slots.Confirmado == nil && intent.IsContinuation(req.Intent) {
		slots.Confirmado = models.Bool(true)
	}
	return slots
}

// resolve fills catalog ids from names and canonical names from ids, and drops add-on
// entries the product does not offer.
func (r *Responder) resolve(d *models.OrderDraft) {
	var p catalog.Product
	var ok bool
	if d.ProductoID != nil {
		p, ok = r.catalog.Get(*d.ProductoID)
	}
	if !ok && d.Producto != nil {
		p, ok = r.catalog.FindByText(*d.Producto)
	}
	if !ok {
		d.ProductoID = nil
		return
	}
	d.Producto = models.Str(p.Name)
	d.ProductoID = models.Str(p.ID)

	switch {
	case len(p.Sizes) == 1:
		d.Tamano, d.TamanoID = models.Str(p.Sizes[0].Name), models.Str(p.Sizes[0].ID)
	case len(p.Sizes) > 1:
		s, found := p.Size(models.Deref(d.TamanoID))
		if !found && d.Tamano != nil {
			s, found = r.catalog.FindSize(p, *d.Tamano, false)
		}
		if found {
			d.Tamano, d.TamanoID = models.Str(s.Name), models.Str(s.ID)
		}
	}

	if d.Addons != nil {
		ids := make([]string, 0, len(d.Addons))
		seen := make(map[string]bool)
		for _, entry := range d.Addons {
			var matched []catalog.Variant
			if a, found := p.Addon(entry); found {
				matched = []catalog.Variant{a}
			} else {
				matched = r.catalog.FindAddons(p, entry)
			}
			for _, a := range matched {
				if !seen[a.ID] {
					seen[a.ID] = true
					ids = append(ids, a.ID)
				}
			}
		}
		d.Addons = ids
	}
}

func isCancel(req Request) bool {
	if req.SelectedOptionID != "" {
		return req.SelectedOptionID == CancelOptionID
	}
	if util.Normalize(req.Text) == "2" {
		return true
	}
	return intent.IsNegation(req.Intent)
}

func quantity(d *models.OrderDraft) int {
	if d == nil || d.Cantidad == nil || *d.Cantidad < 1 {
		return 1
	}
	return *d.Cantidad
}

// MaxQuantity bounds quantities read from free text.
const MaxQuantity = 50

var quantityPattern = regexp.MustCompile(`(?:^|\s)(\d{1,2})\s+([a-z]+)`)

// Words that make a number describe servings or dimensions rather than a count.
var notCounted = map[string]bool{
	"persona": true, "personas": true, "p": true, "pax": true, "cm": true,
	"invitados": true, "porciones": true, "anos": true, "ano": true,
}

func extractQuantity(normalized string) (int, bool) {
	for _, m := range quantityPattern.FindAllStringSubmatch(normalized, -1) {
		if notCounted[m[2]] {
			continue
		}
		n, err := strconv.Atoi(m[1])
		if err != nil || n < 1 || n > MaxQuantity {
			continue
		}
		return n, true
	}
	return 0, false
}

const (
	ordersClosedText = "Por ahora no estamos recibiendo pedidos por este medio. Te comunicaré con una persona de nuestro equipo. 👤"
	cancelledText    = "Entendido, descarté el pedido. Escribe \"Inicio\" para ver el menú principal o cuéntame qué te gustaría pedir."
)
