package models

// Worker names and kinds handled by this service.
const (
	WorkerItem  = "item"
	WorkerPack  = "pack"
	WorkerPrice = "price"

	KindCreateItem        = "createItem"
	KindDisassemblePack   = "disassemblePack"
	KindRecalculatePrices = "recalculatePrices"
)

// CreateItem is the work item payload of item/createItem.
type CreateItem struct {
	Name    string `json:"name" validate:"required"`
	SKU     string `json:"sku" validate:"required"`
	StoreID int64  `json:"store_id" validate:"required"`
	Price   int64  `json:"price" validate:"gte=0"`
}

// DisassemblePack is the work item payload of pack/disassemblePack.
type DisassemblePack struct {
	PackID   int64 `json:"pack_id" validate:"required"`
	StoreID  int64 `json:"store_id" validate:"required"`
	Quantity int   `json:"quantity" validate:"gt=0"`
}

// RecalculatePrice is the work item payload of price/recalculatePrices.
type RecalculatePrice struct {
	ItemID  int64 `json:"item_id" validate:"required"`
	StoreID int64 `json:"store_id" validate:"required"`
}
