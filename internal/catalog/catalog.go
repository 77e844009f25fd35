// Package catalog holds the bakery's product list and the text lookups used while
// taking an order.
package catalog

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/BTreeMap/OrderPipe/internal/util"
	"gopkg.in/yaml.v3"
)

//go:embed catalog.yaml
var defaultCatalog []byte

// ErrEmptyCatalog is returned when a catalog file lists no products.
var ErrEmptyCatalog = errors.New("catalog has no products")

// Variant is a size or an add-on with its price.
type Variant struct {
	ID    string `yaml:"id" json:"id"`
	Name  string `yaml:"name" json:"name"`
	Price int    `yaml:"price" json:"price"`
}

// Product is one catalog entry.
type Product struct {
	ID          string    `yaml:"id" json:"id"`
	Slug        string    `yaml:"slug" json:"slug"`
	Name        string    `yaml:"name" json:"name"`
	Category    string    `yaml:"category" json:"category"`
	Description string    `yaml:"description" json:"description"`
	Price       int       `yaml:"price" json:"price"`
	Image       string    `yaml:"image" json:"image"`
	Available   bool      `yaml:"available" json:"available"`
	Sizes       []Variant `yaml:"sizes" json:"sizes,omitempty"`
	Addons      []Variant `yaml:"addons" json:"addons,omitempty"`
}

// Size returns the size with the given id.
func (p Product) Size(id string) (Variant, bool) {
	return findVariant(p.Sizes, id)
}

// Addon returns the add-on with the given id.
func (p Product) Addon(id string) (Variant, bool) {
	return findVariant(p.Addons, id)
}

func findVariant(vs []Variant, id string) (Variant, bool) {
	for _, v := range vs {
		if v.ID == id {
			return v, true
		}
	}
	return Variant{}, false
}

// Catalog is an immutable product list.
type Catalog struct {
	products []Product
	byID     map[string]int
}

type catalogFile struct {
	Products []Product `yaml:"products"`
}

// Default returns the catalog embedded in the binary.
func Default() *Catalog {
	c, err := Parse(defaultCatalog)
	if err != nil {
		panic(fmt.Sprintf("embedded catalog is invalid: %v", err))
	}
	return c
}

// Load reads a YAML catalog file.
func Load(path string) (*Catalog, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog %s: %w", path, err)
	}
	return Parse(raw)
}

// Parse decodes a YAML catalog.
func Parse(raw []byte) (*Catalog, error) {
	var f catalogFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("failed to parse catalog: %w", err)
	}
	return New(f.Products)
}

// New builds a catalog from products; ids must be unique.
func New(products []Product) (*Catalog, error) {
	if len(products) == 0 {
		return nil, ErrEmptyCatalog
	}
	c := &Catalog{products: products, byID: make(map[string]int, len(products))}
	for i, p := range products {
		if p.ID == "" || p.Name == "" {
			return nil, fmt.Errorf("catalog entry %d is missing an id or name", i)
		}
		if _, dup := c.byID[p.ID]; dup {
			return nil, fmt.Errorf("duplicate catalog id %q", p.ID)
		}
		c.byID[p.ID] = i
	}
	return c, nil
}

// Products returns every product, including unavailable ones.
func (c *Catalog) Products() []Product {
	return append([]Product(nil), c.products...)
}

// Get returns the product with the given id.
func (c *Catalog) Get(id string) (Product, bool) {
	i, ok := c.byID[id]
	if !ok {
		return Product{}, false
	}
	return c.products[i], true
}

// genericWords appear in many product names and do not identify one product on their own.
var genericWords = map[string]bool{
	"torta": true, "tortas": true, "de": true, "del": true, "la": true, "el": true, "y": true, "con": true,
	"kuchen": true, "empanada": true, "empanadas": true, "factura": true, "facturas": true,
	"cheese": true, "cake": true, "porcion": true, "unidad": true,
}

// FindByText returns the available product the text most likely names. Each product is
// scored by how many of its distinctive name words appear in the text, then by all name
// words, then by the shorter name. At least one distinctive word must appear.
func (c *Catalog) FindByText(text string) (Product, bool) {
	words := wordSet(util.Normalize(text))
	var best Product
	var bestDistinct, bestAll int
	found := false
	for _, p := range c.products {
		if !p.Available {
			continue
		}
		distinct, all := 0, 0
		for _, w := range util.Words(util.Normalize(p.Name)) {
			if !words.has(w) {
				continue
			}
			all++
			if !genericWords[w] {
				distinct++
			}
		}
		if distinct == 0 {
			continue
		}
		better := !found ||
			distinct > bestDistinct ||
			(distinct == bestDistinct && all > bestAll) ||
			(distinct == bestDistinct && all == bestAll && len(p.Name) < len(best.Name))
		if better {
			best, bestDistinct, bestAll, found = p, distinct, all, true
		}
	}
	return best, found
}

// FindSize matches a size of p named in text. When allowIndex is set a bare number picks
// the size by position. A product with a single size always resolves to it.
func (c *Catalog) FindSize(p Product, text string, allowIndex bool) (Variant, bool) {
	if len(p.Sizes) == 1 {
		return p.Sizes[0], true
	}
	normalized := util.Normalize(text)
	if allowIndex && util.IsDigits(normalized) {
		if i, err := strconv.Atoi(normalized); err == nil && i >= 1 && i <= len(p.Sizes) {
			return p.Sizes[i-1], true
		}
		return Variant{}, false
	}
	words := wordSet(normalized)
	for _, s := range p.Sizes {
		key := firstWord(s.Name)
		if key != "" && words.hasStem(key) {
			return s, true
		}
	}
	return Variant{}, false
}

// FindAddons returns the add-ons of p mentioned in text, in catalog order.
func (c *Catalog) FindAddons(p Product, text string) []Variant {
	words := wordSet(util.Normalize(text))
	var out []Variant
	for _, a := range p.Addons {
		key := firstWord(a.Name)
		if key != "" && words.hasStem(key) {
			out = append(out, a)
		}
	}
	return out
}

// Price prices an order line. Unknown size or add-on ids are ignored; qty below 1 counts as 1.
func (c *Catalog) Price(p Product, sizeID string, addonIDs []string, qty int) int {
	unit := p.Price
	if s, ok := p.Size(sizeID); ok {
		unit = s.Price
	}
	for _, id := range addonIDs {
		if a, ok := p.Addon(id); ok {
			unit += a.Price
		}
	}
	if qty < 1 {
		qty = 1
	}
	return unit * qty
}

// MenuSummary lists available products per category with the lowest price.
func (c *Catalog) MenuSummary() string {
	type group struct {
		names []string
		min   int
	}
	var order []string
	groups := make(map[string]*group)
	for _, p := range c.products {
		if !p.Available {
			continue
		}
		g, ok := groups[p.Category]
		if !ok {
			g = &group{min: p.Price}
			groups[p.Category] = g
			order = append(order, p.Category)
		}
		g.names = append(g.names, p.Name)
		if low := lowestPrice(p); low < g.min {
			g.min = low
		}
	}
	var sb strings.Builder
	for i, cat := range order {
		if i > 0 {
			sb.WriteString("\n")
		}
		g := groups[cat]
		fmt.Fprintf(&sb, "• %s: %s (desde %s)", cat, strings.Join(g.names, ", "), FormatPrice(g.min))
	}
	return sb.String()
}

func lowestPrice(p Product) int {
	low := p.Price
	for _, s := range p.Sizes {
		if s.Price < low {
			low = s.Price
		}
	}
	return low
}

// FormatPrice renders CLP amounts with dot thousands separators, e.g. "$18.500".
func FormatPrice(amount int) string {
	sign := ""
	if amount < 0 {
		sign, amount = "-", -amount
	}
	digits := strconv.Itoa(amount)
	var sb strings.Builder
	for i, r := range digits {
		if i > 0 && (len(digits)-i)%3 == 0 {
			sb.WriteByte('.')
		}
		sb.WriteRune(r)
	}
	return sign + "$" + sb.String()
}

func firstWord(name string) string {
	words := util.Words(util.Normalize(name))
	if len(words) == 0 {
		return ""
	}
	return words[0]
}

type set map[string]bool

func wordSet(normalized string) set {
	s := make(set)
	for _, w := range util.Words(normalized) {
		s[w] = true
	}
	return s
}

// has matches a word or its plural.
func (s set) has(w string) bool {
	return s[w] || s[w+"s"] || s[w+"es"]
}

// hasStem matches words sharing the first four letters with key, so "chica" finds
// "chico" and "grandes" finds "grande". Short keys must match exactly.
func (s set) hasStem(key string) bool {
	if s.has(key) {
		return true
	}
	k := []rune(key)
	if len(k) < 4 {
		return false
	}
	for w := range s {
		r := []rune(w)
		if len(r) >= 4 && string(r[:4]) == string(k[:4]) {
			return true
		}
	}
	return false
}
