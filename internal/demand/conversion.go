package demand

import "fmt"

// Matrix converts finished-product demand into resource-kind demand:
// product → kind → units consumed per finished unit.
type Matrix map[string]map[string]int

// Validate rejects negative ratios.
func (m Matrix) Validate() error {
	for product, row := range m {
		for kind, units := range row {
			if units < 0 {
				return fmt.Errorf("conversion %s→%s: negative ratio %d", product, kind, units)
			}
		}
	}
	return nil
}

// Apply converts product demand to kind demand. Products without a row are
// treated as kinds in their own right.
func (m Matrix) Apply(products map[string]int) map[string]int {
	out := make(map[string]int)
	for product, qty := range products {
		row, ok := m[product]
		if !ok {
			out[product] += qty
			continue
		}
		for kind, units := range row {
			out[kind] += qty * units
		}
	}
	return out
}
