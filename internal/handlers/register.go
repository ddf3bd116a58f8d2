package handlers

import (
	"fmt"

	"taskhub/internal/models"
	"taskhub/internal/taskmanager"
)

// WorkerRegistrar is the runtime side the handlers are bound to.
type WorkerRegistrar interface {
	Subscribe(targetWorker string, handlers map[string]taskmanager.TaskHandler) error
}

// RegisterAllHandlers ...
func RegisterAllHandlers(
	rt WorkerRegistrar,
	catalogSvc CatalogService,
) error {
	workers := map[string]map[string]taskmanager.TaskHandler{
		models.WorkerItem: {
			models.KindCreateItem: NewCreateItemHandler(catalogSvc),
		},
		models.WorkerPack: {
			models.KindDisassemblePack: NewDisassemblePackHandler(catalogSvc),
		},
		models.WorkerPrice: {
			models.KindRecalculatePrices: NewRecalculatePricesHandler(catalogSvc),
		},
	}
	for worker, handlers := range workers {
		if err := rt.Subscribe(worker, handlers); err != nil {
			return fmt.Errorf("failed to subscribe worker %s: %w", worker, err)
		}
	}
	return nil
}
