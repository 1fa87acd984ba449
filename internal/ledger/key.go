package ledger

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Book selects which balance sheet a key lives in.
type Book string

const (
	// BookShop is the shop-scope balance sheet.
	BookShop Book = "shop"
	// BookWarehouse is the warehouse-scope balance sheet.
	BookWarehouse Book = "warehouse"
)

// Valid reports whether the book is known.
func (b Book) Valid() bool {
	return b == BookShop || b == BookWarehouse
}

// Aggregate tags.
const (
	TagAll            = "all"
	TagWarehouseStock = "w_stock"
)

// Kind tags the variant held by a Key.
type Kind uint8

const (
	KindShop Kind = iota + 1
	KindWarehouse
	KindAggregate
)

// Key scopes a running balance: Shop(id) | Warehouse(name) | Aggregate(book, tag).
// The zero value is not a valid key.
type Key struct {
	kind   Kind
	book   Book
	shopID int64
	name   string
}

// ShopKey scopes a shop's cash ledger.
func ShopKey(shopID int64) Key {
	return Key{kind: KindShop, book: BookShop, shopID: shopID}
}

// WarehouseKey scopes a warehouse account.
func WarehouseKey(name string) Key {
	return Key{kind: KindWarehouse, book: BookWarehouse, name: strings.TrimSpace(name)}
}

// AggregateKey scopes an aggregate bucket inside a book.
func AggregateKey(book Book, tag string) Key {
	return Key{kind: KindAggregate, book: book, name: tag}
}

// AllKey is the "all" aggregate of book.
func AllKey(book Book) Key {
	return AggregateKey(book, TagAll)
}

// Kind returns the variant tag.
func (k Key) Kind() Kind { return k.kind }

// Book returns the balance sheet the key belongs to.
func (k Key) Book() Book { return k.book }

// ShopID returns the shop id of a Shop key.
func (k Key) ShopID() int64 { return k.shopID }

// Name returns the warehouse name or aggregate tag.
func (k Key) Name() string { return k.name }

// IsAggregate reports whether the key is an aggregate bucket.
func (k Key) IsAggregate() bool { return k.kind == KindAggregate }

// Validate checks the key is well formed.
func (k Key) Validate() error {
	if !k.book.Valid() {
		return errors.New("ledger: unknown book")
	}
	switch k.kind {
	case KindShop:
		if k.shopID <= 0 {
			return errors.New("ledger: shop id required")
		}
	case KindWarehouse:
		if k.name == "" {
			return errors.New("ledger: warehouse name required")
		}
	case KindAggregate:
		if k.name != TagAll && k.name != TagWarehouseStock {
			return fmt.Errorf("ledger: unknown aggregate %q", k.name)
		}
	default:
		return errors.New("ledger: empty key")
	}
	return nil
}

// String is the persisted ledger_key value. Prefixes keep a warehouse named
// "all" apart from the aggregate bucket.
func (k Key) String() string {
	switch k.kind {
	case KindShop:
		return "shop:" + strconv.FormatInt(k.shopID, 10)
	case KindWarehouse:
		return "warehouse:" + k.name
	case KindAggregate:
		return k.name
	}
	return ""
}

// LockName identifies the key across books for advisory locking.
func (k Key) LockName() string {
	return "ledger:" + string(k.book) + ":" + k.String()
}

// ParseKey restores a key from its persisted form.
func ParseKey(book Book, raw string) (Key, error) {
	var key Key
	switch {
	case strings.HasPrefix(raw, "shop:"):
		id, err := strconv.ParseInt(strings.TrimPrefix(raw, "shop:"), 10, 64)
		if err != nil {
			return Key{}, fmt.Errorf("ledger: invalid shop key %q: %w", raw, err)
		}
		key = ShopKey(id)
	case strings.HasPrefix(raw, "warehouse:"):
		key = WarehouseKey(strings.TrimPrefix(raw, "warehouse:"))
	default:
		key = AggregateKey(book, raw)
	}
	if key.book != book {
		return Key{}, fmt.Errorf("ledger: key %q does not belong to %s book", raw, book)
	}
	return key, key.Validate()
}
