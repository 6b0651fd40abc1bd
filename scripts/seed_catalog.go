package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"marketsync/internal/config"
	"marketsync/internal/database"
	"marketsync/internal/models"
)

type seedProduct struct {
	ID         string                 `yaml:"id"`
	ExternalID string                 `yaml:"external_id"`
	SKU        string                 `yaml:"sku"`
	VariantID  string                 `yaml:"variant_id"`
	Fields     map[string]interface{} `yaml:"fields"`
	Quantity   *int64                 `yaml:"quantity"`
}

type CatalogSeed struct {
	StoreID  string        `yaml:"store_id"`
	Products []seedProduct `yaml:"products"`
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	var (
		catalogPath = flag.String("catalog", "configs/catalog.yaml", "path to catalog.yaml")
		driver      = flag.String("driver", "sqlite3", "database driver (sqlite3 or mysql)")
		dbPath      = flag.String("db", "./data/marketsync.db", "path to sqlite db")
		dsn         = flag.String("dsn", "", "mysql dsn")
	)
	flag.Parse()

	data, err := os.ReadFile(*catalogPath)
	if err != nil {
		return fmt.Errorf("read catalog: %w", err)
	}
	var seed CatalogSeed
	if err = yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &seed); err != nil {
		return fmt.Errorf("parse catalog: %w", err)
	}
	if seed.StoreID == "" {
		return fmt.Errorf("store_id is required")
	}
	if len(seed.Products) == 0 {
		return fmt.Errorf("no products in yaml")
	}

	db, err := database.Open(config.DatabaseConfig{Driver: *driver, Path: *dbPath, DSN: *dsn}, &logger)
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	existing, err := db.ListLocalProducts(ctx, seed.StoreID)
	if err != nil {
		return fmt.Errorf("list products: %w", err)
	}
	known := make(map[string]bool, len(existing))
	for _, p := range existing {
		known[p.SKU] = true
	}

	levels, err := db.ListInventory(ctx, seed.StoreID)
	if err != nil {
		return fmt.Errorf("list inventory: %w", err)
	}
	reserved := make(map[string]int64, len(levels))
	for _, l := range levels {
		reserved[l.SKU] = l.Reserved
	}

	created, updated, stocked := 0, 0, 0
	for _, sp := range seed.Products {
		if sp.SKU == "" {
			continue
		}
		err = db.UpsertLocalProduct(ctx, seed.StoreID, models.Product{
			ID:         sp.ID,
			ExternalID: sp.ExternalID,
			SKU:        sp.SKU,
			VariantID:  sp.VariantID,
			Fields:     sp.Fields,
		})
		if err != nil {
			return fmt.Errorf("upsert %s: %w", sp.SKU, err)
		}
		if known[sp.SKU] {
			updated++
		} else {
			created++
		}

		if sp.Quantity == nil {
			continue
		}
		// Reservations belong to recorded orders and survive a re-seed.
		level := models.InventoryLevel{SKU: sp.SKU, Quantity: *sp.Quantity, Reserved: reserved[sp.SKU]}
		if err = db.SetInventory(ctx, seed.StoreID, level); err != nil {
			return fmt.Errorf("set inventory %s: %w", sp.SKU, err)
		}
		stocked++
	}

	fmt.Printf("done: created=%d updated=%d stocked=%d\n", created, updated, stocked)
	return nil
}
