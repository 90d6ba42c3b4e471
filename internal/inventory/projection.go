// Package inventory projects inventory transactions onto material stock
// events and keeps the cached material views consistent with them.
package inventory

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"shopfloor/internal/cache"
	"shopfloor/internal/events"
	"shopfloor/internal/types"
)

// MaterialSource reads the material views that are cached.
type MaterialSource interface {
	LowStock(ctx context.Context) ([]types.Material, error)
	Categories(ctx context.Context) ([]string, error)
}

// Bus is the subset of the event bus the projection uses.
type Bus interface {
	On(pattern string, fn events.Listener) func()
	Publish(ctx context.Context, ev types.DomainEvent) types.DomainEvent
	Spawn(ctx context.Context, name string, fn func(ctx context.Context) error) error
}

// Projection turns inventory.transaction.recorded into material.stock.changed
// and, on every stock change, drops the materials cache tag and repopulates
// the low-stock view in the background.
type Projection struct {
	bus       Bus
	cache     *cache.Cache
	materials MaterialSource
	ttl       time.Duration
	logger    *slog.Logger
}

// NewProjection creates a Projection. Call Register to attach it to the bus.
func NewProjection(bus Bus, c *cache.Cache, materials MaterialSource, ttl time.Duration, logger *slog.Logger) *Projection {
	if logger == nil {
		logger = slog.Default()
	}
	return &Projection{bus: bus, cache: c, materials: materials, ttl: ttl, logger: logger}
}

// Register subscribes the projection's listeners and returns a func that
// removes them.
func (p *Projection) Register() func() {
	offTx := p.bus.On(types.EventInventoryTransactionRecorded, p.onTransaction)
	offStock := p.bus.On(types.EventMaterialStockChanged, p.onStockChanged)
	return func() {
		offTx()
		offStock()
	}
}

// RecordTransaction validates tx and publishes inventory.transaction.recorded.
func (p *Projection) RecordTransaction(ctx context.Context, tx types.InventoryTransactionPayload) error {
	if tx.MaterialID <= 0 {
		return types.NewAppError(types.ErrCodeValidationMissingField, "materialId is required", nil)
	}
	if tx.Direction != types.DirectionIn && tx.Direction != types.DirectionOut {
		return types.NewAppErrorWithDetails(types.ErrCodeValidationInvalidField, "direction must be in or out", nil,
			map[string]any{"direction": tx.Direction})
	}
	if tx.Quantity <= 0 {
		return types.NewAppError(types.ErrCodeValidationInvalidField, "quantity must be positive", nil)
	}

	ev, err := events.NewEvent(types.EventInventoryTransactionRecorded, tx)
	if err != nil {
		return err
	}
	p.bus.Publish(ctx, ev)
	return nil
}

func (p *Projection) onTransaction(ctx context.Context, ev types.DomainEvent) error {
	var tx types.InventoryTransactionPayload
	if err := json.Unmarshal(ev.Payload, &tx); err != nil {
		return fmt.Errorf("decode inventory transaction: %w", err)
	}
	delta := tx.SignedQuantity()
	if delta == 0 {
		return nil
	}

	changed, err := events.NewEvent(types.EventMaterialStockChanged, types.MaterialStockChangedPayload{
		MaterialID: tx.MaterialID,
		Delta:      delta,
	})
	if err != nil {
		return err
	}
	p.bus.Publish(ctx, changed)
	return nil
}

func (p *Projection) onStockChanged(ctx context.Context, _ types.DomainEvent) error {
	if err := p.cache.InvalidateTag(ctx, types.CacheTagMaterials); err != nil {
		return err
	}

	// A later stock change invalidates again; its refresh owns the view.
	gen := p.cache.Generation(types.CacheKeyMaterialsLowStock, types.CacheTagMaterials)
	err := p.bus.Spawn(ctx, "inventory:warm-low-stock", func(ctx context.Context) error {
		rows, err := p.materials.LowStock(ctx)
		if err != nil {
			return err
		}
		_, kept, err := cache.SetJSONIfCurrent(ctx, p.cache, gen, types.CacheKeyMaterialsLowStock, rows, p.ttl, types.CacheTagMaterials)
		if err == nil && !kept {
			p.logger.DebugContext(ctx, "low-stock refresh superseded")
		}
		return err
	})
	if err != nil {
		// The next read repopulates the view.
		p.logger.WarnContext(ctx, "low-stock cache refresh skipped", "error", err)
	}
	return nil
}

// LowStock returns materials at or below their reorder level, cached under
// the materials tag.
func (p *Projection) LowStock(ctx context.Context) ([]types.Material, cache.Meta, error) {
	return cache.Load(ctx, p.cache, types.CacheKeyMaterialsLowStock, p.ttl, p.materials.LowStock, types.CacheTagMaterials)
}

// Categories returns the distinct material categories, cached under the
// materials tag.
func (p *Projection) Categories(ctx context.Context) ([]string, cache.Meta, error) {
	return cache.Load(ctx, p.cache, types.CacheKeyMaterialCategories, p.ttl, p.materials.Categories, types.CacheTagMaterials)
}
