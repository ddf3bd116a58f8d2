package catalog

import (
	"context"
	"errors"
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"

	"taskhub/internal/models"
	"taskhub/internal/repository/taskstore"
)

var (
	// ErrDuplicateSKU ...
	ErrDuplicateSKU = errors.New("sku already exists in store")
	// ErrPackNotFound ...
	ErrPackNotFound = errors.New("pack not found")
)

// Svc is a logging stand-in for the catalog domain. It keeps just enough
// state to reject duplicate SKUs and unknown packs.
type Svc struct {
	skus  map[string]struct{}
	packs map[int64]int
	mu    sync.Mutex
}

// CreateItem ...
func (s *Svc) CreateItem(_ context.Context, _ taskstore.Tx, scope models.Condition, item models.CreateItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := fmt.Sprintf("%d/%s", item.StoreID, item.SKU)
	if _, ok := s.skus[key]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateSKU, item.SKU)
	}
	s.skus[key] = struct{}{}

	log.WithFields(log.Fields{
		"store_id": item.StoreID,
		"sku":      item.SKU,
		"scope":    scope,
	}).Infof("Created item %s", item.Name)
	return nil
}

// RegisterPack makes a pack with quantity units available for disassembly.
func (s *Svc) RegisterPack(packID int64, quantity int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.packs[packID] = quantity
}

// DisassemblePack ...
func (s *Svc) DisassemblePack(_ context.Context, _ taskstore.Tx, _ models.Condition, p models.DisassemblePack) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	left, ok := s.packs[p.PackID]
	if !ok || left < p.Quantity {
		return fmt.Errorf("%w: %d", ErrPackNotFound, p.PackID)
	}
	s.packs[p.PackID] = left - p.Quantity

	log.WithFields(log.Fields{
		"pack_id":  p.PackID,
		"store_id": p.StoreID,
		"quantity": p.Quantity,
	}).Info("Disassembled pack")
	return nil
}

// RecalculatePrice ...
func (s *Svc) RecalculatePrice(_ context.Context, _ taskstore.Tx, _ models.Condition, p models.RecalculatePrice) error {
	log.WithFields(log.Fields{
		"item_id":  p.ItemID,
		"store_id": p.StoreID,
	}).Info("Recalculated price")
	return nil
}

// NewCatalogSvc ...
func NewCatalogSvc() *Svc {
	return &Svc{
		skus:  make(map[string]struct{}),
		packs: make(map[int64]int),
	}
}
