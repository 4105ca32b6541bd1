package controllers

import (
	"context"
	"net/http"

	"github.com/angelmondragon/storefront-backend/api/responses"
	"github.com/angelmondragon/storefront-backend/api/validators"
	"github.com/angelmondragon/storefront-backend/internal/inventory"
	product "github.com/angelmondragon/storefront-backend/internal/products"
	pkgerrors "github.com/angelmondragon/storefront-backend/pkg/errors"
	"github.com/angelmondragon/storefront-backend/pkg/logger"
)

// StockSetter overwrites product and variant stock counters.
type StockSetter interface {
	SetStock(ctx context.Context, target inventory.StockTarget, stock int) (*inventory.StockLevel, error)
}

type setStockRequest struct {
	Stock *int `json:"stock" validate:"required,gte=0"`
}

// AdminProductDetail returns a product with variants, images and stock.
func AdminProductDetail(svc product.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "product service unavailable"))
			return
		}
		productID, err := validators.ParseURLParamUUID(r, "productId")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		detail, err := svc.GetProductDetail(r.Context(), productID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, detail)
	}
}

func AdminSetProductStock(ledger StockSetter, logg *logger.Logger) http.HandlerFunc {
	return setStock(ledger, inventory.TargetProduct, "productId", logg)
}

func AdminSetVariantStock(ledger StockSetter, logg *logger.Logger) http.HandlerFunc {
	return setStock(ledger, inventory.TargetVariant, "variantId", logg)
}

func setStock(ledger StockSetter, kind inventory.TargetKind, param string, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if ledger == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "inventory unavailable"))
			return
		}
		id, err := validators.ParseURLParamUUID(r, param)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		var body setStockRequest
		if err := validators.DecodeJSONBody(r, &body); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		level, err := ledger.SetStock(r.Context(), inventory.StockTarget{Kind: kind, ID: id}, *body.Stock)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		if logg != nil {
			ctx := logg.WithFields(r.Context(), map[string]any{"target": kind, "target_id": id.String(), "stock": level.Stock})
			logg.Info(ctx, "inventory.stock_set")
		}
		responses.WriteSuccess(w, level)
	}
}
