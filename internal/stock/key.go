package stock

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// Key identifies one stock chain.
type Key struct {
	ShopID    int64
	BrandName string
	VolumeML  int
}

// NewKey builds a key with a canonical brand name.
func NewKey(shopID int64, brand string, volumeML int) Key {
	return Key{ShopID: shopID, BrandName: CanonicalBrand(brand), VolumeML: volumeML}
}

// CanonicalBrand trims, collapses inner whitespace and upper-cases a brand name
// so "Royal  stag" and "ROYAL STAG" land on the same chain.
func CanonicalBrand(name string) string {
	return cases.Upper(language.English).String(strings.Join(strings.Fields(name), " "))
}

// Validate checks the key is usable.
func (k Key) Validate() error {
	if k.ShopID == 0 {
		return errors.New("stock: shop id required")
	}
	if k.BrandName == "" {
		return errors.New("stock: brand name required")
	}
	if k.VolumeML <= 0 {
		return errors.New("stock: volume must be positive")
	}
	return nil
}

// String renders the key, also used as the chain lock name.
func (k Key) String() string {
	return fmt.Sprintf("chain:%d:%s:%d", k.ShopID, k.BrandName, k.VolumeML)
}

// ParseKey restores a key from "shop:brand:ml", with or without the "chain:"
// prefix String adds. The brand may itself contain colons.
func ParseKey(raw string) (Key, error) {
	raw = strings.TrimPrefix(strings.TrimSpace(raw), "chain:")
	first := strings.Index(raw, ":")
	last := strings.LastIndex(raw, ":")
	if first < 0 || first == last {
		return Key{}, fmt.Errorf("stock: key %q must look like shop:brand:ml", raw)
	}
	shopID, err := strconv.ParseInt(raw[:first], 10, 64)
	if err != nil {
		return Key{}, fmt.Errorf("stock: invalid shop in key %q: %w", raw, err)
	}
	volume, err := strconv.Atoi(raw[last+1:])
	if err != nil {
		return Key{}, fmt.Errorf("stock: invalid volume in key %q: %w", raw, err)
	}
	key := NewKey(shopID, raw[first+1:last], volume)
	return key, key.Validate()
}
