// Command seed loads shops and brands from a YAML catalog through the
// reconciliation service so the usual validation and audit apply.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/liquorledger/liquorledger/internal/app"
	"github.com/liquorledger/liquorledger/internal/quota"
	"github.com/liquorledger/liquorledger/internal/stock"
)

type catalog struct {
	Shops  []shopSeed  `yaml:"shops"`
	Brands []brandSeed `yaml:"brands"`
}

type shopSeed struct {
	Name       string   `yaml:"name"`
	Category   string   `yaml:"category"`
	MonthlyMGQ int64    `yaml:"monthly_mgq"`
	YearlyMGQ  int64    `yaml:"yearly_mgq"`
	Quarterly  []string `yaml:"quarterly"`
}

type brandSeed struct {
	Name          string `yaml:"name"`
	VolumeML      int    `yaml:"volume_ml"`
	LiquorType    string `yaml:"liquor_type"`
	Category      string `yaml:"category"`
	PiecesPerCase int64  `yaml:"pieces_per_case"`
	DutyPerCase   string `yaml:"duty_per_case"`
}

// seeder is the part of reconcile.Service the seed uses.
type seeder interface {
	CreateShop(ctx context.Context, actorID int64, shop quota.Shop) (quota.Shop, error)
	SaveBrand(ctx context.Context, actorID int64, b stock.Brand) (stock.Brand, error)
}

func main() {
	path := "scripts/seed/catalog.yml"
	if len(os.Args) > 1 {
		path = os.Args[1]
	}
	ctx := context.Background()
	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}
	logger := app.NewLogger(cfg)

	f, err := os.Open(path)
	if err != nil {
		logger.Error("open catalog", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = f.Close() }()
	cat, err := loadCatalog(f)
	if err != nil {
		logger.Error("parse catalog", slog.String("path", path), slog.Any("error", err))
		os.Exit(1)
	}

	stores, err := app.OpenStores(ctx, cfg, logger)
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer stores.Close(logger)
	svc, _ := app.NewReconcileService(cfg, stores, logger, nil)

	shops, brands, err := apply(ctx, svc, cat)
	if err != nil {
		logger.Error("seed", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("seed complete", slog.Int("shops", shops), slog.Int("brands", brands))
}

func loadCatalog(r io.Reader) (catalog, error) {
	var cat catalog
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cat); err != nil {
		return catalog{}, err
	}
	if len(cat.Shops) == 0 && len(cat.Brands) == 0 {
		return catalog{}, errors.New("catalog is empty")
	}
	return cat, nil
}

func apply(ctx context.Context, svc seeder, cat catalog) (int, int, error) {
	for i, s := range cat.Shops {
		shop := quota.Shop{
			Name:       s.Name,
			Category:   stock.LiquorCategory(strings.ToUpper(s.Category)),
			MonthlyMGQ: s.MonthlyMGQ,
			YearlyMGQ:  s.YearlyMGQ,
		}
		if len(s.Quarterly) > len(shop.Quarterly) {
			return i, 0, fmt.Errorf("shop %q: at most 4 quarterly quotas", s.Name)
		}
		for q, raw := range s.Quarterly {
			amount, err := decimal.NewFromString(raw)
			if err != nil {
				return i, 0, fmt.Errorf("shop %q quarter %d: %w", s.Name, q+1, err)
			}
			shop.Quarterly[q] = amount
		}
		if _, err := svc.CreateShop(ctx, 0, shop); err != nil {
			return i, 0, fmt.Errorf("shop %q: %w", s.Name, err)
		}
	}
	for i, b := range cat.Brands {
		duty := decimal.Zero
		if b.DutyPerCase != "" {
			var err error
			if duty, err = decimal.NewFromString(b.DutyPerCase); err != nil {
				return len(cat.Shops), i, fmt.Errorf("brand %q: duty: %w", b.Name, err)
			}
		}
		brand := stock.Brand{
			Name:          b.Name,
			VolumeML:      b.VolumeML,
			LiquorType:    b.LiquorType,
			Category:      stock.LiquorCategory(strings.ToUpper(b.Category)),
			PiecesPerCase: b.PiecesPerCase,
			DutyPerCase:   duty,
		}
		if _, err := svc.SaveBrand(ctx, 0, brand); err != nil {
			return len(cat.Shops), i, fmt.Errorf("brand %q %dml: %w", b.Name, b.VolumeML, err)
		}
	}
	return len(cat.Shops), len(cat.Brands), nil
}
