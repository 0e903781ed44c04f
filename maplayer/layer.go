// Package maplayer is the tileset catalogue. Tileset ids are derived from the
// tileset's canonical definition, so creating the same logical tileset twice
// yields the same row.
package maplayer

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dgraph-io/ristretto"
	"github.com/khankhulgun/offlinemap/apierror"
	"github.com/khankhulgun/offlinemap/models"
	"github.com/zeebo/blake3"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const idContext = "offlinemap 2024 tileset id v1"

const cacheTTL = 60 * time.Minute

type Catalog struct {
	db    *gorm.DB
	cache *ristretto.Cache
}

// NewCatalog builds a catalogue whose lookup cache holds at most maxCost
// entries.
func NewCatalog(db *gorm.DB, maxCost int64) (*Catalog, error) {
	if maxCost <= 0 {
		maxCost = 1 << 16
	}
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: maxCost * 10,
		MaxCost:     maxCost,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("create tileset cache: %w", err)
	}
	return &Catalog{db: db, cache: cache}, nil
}

// canonical holds the identity bearing fields of a tileset. Server relative
// data such as the served tile URL never takes part.
type canonical struct {
	Name            string           `json:"name"`
	Format          string           `json:"format"`
	TileFormat      string           `json:"tileFormat"`
	MinZoom         int              `json:"minzoom"`
	MaxZoom         int              `json:"maxzoom"`
	Bounds          []float64        `json:"bounds"`
	Center          []float64        `json:"center"`
	Attribution     string           `json:"attribution"`
	VectorLayers    []map[string]any `json:"vector_layers"`
	UpstreamTileURL string           `json:"upstream"`
}

// ComputeID derives the deterministic id of a tileset definition.
func ComputeID(ts *models.Tileset) (string, error) {
	raw, err := json.Marshal(canonical{
		Name:            ts.Name,
		Format:          ts.Format,
		TileFormat:      ts.TileFormat,
		MinZoom:         ts.MinZoom,
		MaxZoom:         ts.MaxZoom,
		Bounds:          ts.Bounds,
		Center:          ts.Center,
		Attribution:     ts.Attribution,
		VectorLayers:    ts.VectorLayers,
		UpstreamTileURL: ts.UpstreamTileURL,
	})
	if err != nil {
		return "", fmt.Errorf("encode tileset definition: %w", err)
	}
	h := blake3.NewDeriveKey(idContext)
	h.Write(raw)
	sum := h.Sum(nil)
	return hex.EncodeToString(sum[:16]), nil
}

// Create stores ts under its computed id. Creating an existing definition
// again leaves the stored row untouched and returns it.
func (c *Catalog) Create(ctx context.Context, ts *models.Tileset) (*models.Tileset, error) {
	if err := CreateTx(c.db.WithContext(ctx), ts); err != nil {
		return nil, err
	}
	return c.Get(ctx, ts.ID)
}

// CreateTx is Create for callers running their own transaction.
func CreateTx(tx *gorm.DB, ts *models.Tileset) error {
	id, err := ComputeID(ts)
	if err != nil {
		return err
	}
	ts.ID = id
	if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(ts).Error; err != nil {
		return fmt.Errorf("create tileset %s: %w", id, err)
	}
	return nil
}

// Get returns a tileset, served from cache when possible.
func (c *Catalog) Get(ctx context.Context, id string) (*models.Tileset, error) {
	id = strings.TrimSpace(id)

	if cached, found := c.cache.Get(id); found {
		if ts, ok := cached.(models.Tileset); ok {
			return &ts, nil
		}
	}

	var ts models.Tileset
	err := c.db.WithContext(ctx).Where("id = ?", id).First(&ts).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("tileset %s: %w", id, apierror.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("read tileset %s: %w", id, err)
	}

	c.cache.SetWithTTL(id, ts, 1, cacheTTL)
	c.cache.Wait()
	return &ts, nil
}

func (c *Catalog) List(ctx context.Context) ([]models.Tileset, error) {
	var tilesets []models.Tileset
	if err := c.db.WithContext(ctx).Order("created_at ASC").Find(&tilesets).Error; err != nil {
		return nil, fmt.Errorf("list tilesets: %w", err)
	}
	return tilesets, nil
}

// Update changes the mutable fields of a tileset. Nil arguments are left
// unchanged. The id is not recomputed.
func (c *Catalog) Update(ctx context.Context, id string, name, attribution *string) (*models.Tileset, error) {
	updates := map[string]any{}
	if name != nil {
		updates["name"] = *name
	}
	if attribution != nil {
		updates["attribution"] = *attribution
	}
	if _, err := c.Get(ctx, id); err != nil {
		return nil, err
	}
	if len(updates) > 0 {
		if err := c.db.WithContext(ctx).Model(&models.Tileset{}).Where("id = ?", id).Updates(updates).Error; err != nil {
			return nil, fmt.Errorf("update tileset %s: %w", id, err)
		}
		c.Invalidate(id)
	}
	return c.Get(ctx, id)
}

// Invalidate drops cached entries after rows changed underneath the cache.
func (c *Catalog) Invalidate(ids ...string) {
	for _, id := range ids {
		c.cache.Del(id)
	}
}

func (c *Catalog) Close() {
	c.cache.Close()
}
