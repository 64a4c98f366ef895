package policy

import (
	"fmt"
	"strconv"
	"strings"
)

// ParseOrder reads a human-entered order quantity.
func ParseOrder(text string) (int, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return 0, fmt.Errorf("%w: empty input", ErrInvalidOrder)
	}
	n, err := strconv.Atoi(text)
	if err != nil {
		return 0, fmt.Errorf("%w: %q is not a whole number", ErrInvalidOrder, text)
	}
	if err := CheckOrder(n); err != nil {
		return 0, err
	}
	return n, nil
}

// CheckOrder rejects quantities outside [0, MaxOrder].
func CheckOrder(n int) error {
	if n < 0 {
		return fmt.Errorf("%w: %d is negative", ErrInvalidOrder, n)
	}
	if n > MaxOrder {
		return fmt.Errorf("%w: %d exceeds %d", ErrInvalidOrder, n, MaxOrder)
	}
	return nil
}
