package domain

import (
	"fmt"
	"strings"
)

// ItemLength is the fixed number of digits of an IMEI.
const ItemLength = 15

// Item is one identifier submitted for remote processing.
type Item string

func (i Item) String() string { return string(i) }

// ParseItem trims and validates a raw identifier.
func ParseItem(raw string) (Item, error) {
	value := strings.TrimSpace(raw)
	if value == "" {
		return "", fmt.Errorf("%w: item is required", ErrValidation)
	}
	if len(value) != ItemLength {
		return "", fmt.Errorf("%w: item %q must be %d digits (got %d)", ErrValidation, value, ItemLength, len(value))
	}
	for _, r := range value {
		if r < '0' || r > '9' {
			return "", fmt.Errorf("%w: item %q must contain only digits", ErrValidation, value)
		}
	}
	return Item(value), nil
}

// ParseItems validates every raw identifier and rejects repeats so that each
// item lands in exactly one batch.
func ParseItems(raw []string) ([]Item, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: at least one item is required", ErrValidation)
	}

	items := make([]Item, 0, len(raw))
	seen := make(map[Item]int, len(raw))
	for i, value := range raw {
		item, err := ParseItem(value)
		if err != nil {
			return nil, fmt.Errorf("item #%d: %w", i+1, err)
		}
		if first, ok := seen[item]; ok {
			return nil, fmt.Errorf("%w: item %s appears at positions %d and %d", ErrValidation, item, first+1, i+1)
		}
		seen[item] = i
		items = append(items, item)
	}
	return items, nil
}

// ServiceCode identifies which remote processing product to invoke.
type ServiceCode string

func (s ServiceCode) String() string { return string(s) }

func ParseServiceCode(raw string) (ServiceCode, error) {
	value := strings.TrimSpace(raw)
	if value == "" {
		return "", fmt.Errorf("%w: service code is required", ErrValidation)
	}
	if strings.ContainsAny(value, ", \t\n") {
		return "", fmt.Errorf("%w: invalid service code %q", ErrValidation, raw)
	}
	return ServiceCode(value), nil
}

func ItemStrings(items []Item) []string {
	out := make([]string, len(items))
	for i, item := range items {
		out[i] = string(item)
	}
	return out
}
