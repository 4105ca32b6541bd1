package orders

import (
	"context"

	"github.com/google/uuid"

	"github.com/angelmondragon/storefront-backend/pkg/db/models"
	pkgerrors "github.com/angelmondragon/storefront-backend/pkg/errors"
	"github.com/angelmondragon/storefront-backend/pkg/logger"
	"github.com/angelmondragon/storefront-backend/pkg/types"
)

type userReader interface {
	FindByIDs(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]models.User, error)
}

// enricher joins display-only catalog and customer data onto orders. Stored
// prices are never replaced.
type enricher struct {
	catalog CatalogReader
	users   userReader
	logg    *logger.Logger
}

func (e *enricher) enrich(ctx context.Context, orders []models.Order, withCustomer bool) ([]OrderDTO, error) {
	out := make([]OrderDTO, 0, len(orders))
	if len(orders) == 0 {
		return out, nil
	}

	productIDs := []uuid.UUID{}
	userIDs := []uuid.UUID{}
	seenProducts := map[uuid.UUID]struct{}{}
	seenUsers := map[uuid.UUID]struct{}{}
	for _, o := range orders {
		if _, ok := seenUsers[o.UserID]; !ok {
			seenUsers[o.UserID] = struct{}{}
			userIDs = append(userIDs, o.UserID)
		}
		for _, item := range o.Items {
			if _, ok := seenProducts[item.ProductID]; !ok {
				seenProducts[item.ProductID] = struct{}{}
				productIDs = append(productIDs, item.ProductID)
			}
		}
	}

	products, err := e.catalog.FindProductsByIDs(ctx, productIDs)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load products")
	}
	images, err := e.catalog.FirstImages(ctx, productIDs)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load product images")
	}
	var customers map[uuid.UUID]models.User
	if withCustomer && e.users != nil {
		customers, err = e.users.FindByIDs(ctx, userIDs)
		if err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load customers")
		}
	}

	for i := range orders {
		o := orders[i]
		dto := OrderDTO{
			ID:        o.ID,
			UserID:    o.UserID,
			Subtotal:  types.NewMoney(o.Subtotal),
			Shipping:  types.NewMoney(o.Shipping),
			Tax:       types.NewMoney(o.Tax),
			Total:     types.NewMoney(o.Total),
			Status:    o.Status,
			Items:     make([]OrderItemDTO, 0, len(o.Items)),
			CreatedAt: o.CreatedAt,
			UpdatedAt: o.UpdatedAt,
		}
		dto.ShippingAddress, dto.ShippingAddressRaw = e.parseAddress(ctx, o)

		for _, item := range o.Items {
			itemDTO := OrderItemDTO{
				ID:        item.ID,
				ProductID: item.ProductID,
				VariantID: item.VariantID,
				Quantity:  item.Quantity,
				Price:     types.NewMoney(item.Price),
			}
			if p, ok := products[item.ProductID]; ok {
				name := p.Name
				itemDTO.ProductName = &name
			}
			if url, ok := images[item.ProductID]; ok {
				image := url
				itemDTO.ProductImage = &image
			}
			dto.Items = append(dto.Items, itemDTO)
		}

		if c, ok := customers[o.UserID]; ok {
			name, email := c.Name, c.Email
			dto.CustomerName = &name
			dto.CustomerEmail = &email
		}
		out = append(out, dto)
	}
	return out, nil
}

// parseAddress never fails the read; a bad stored value is surfaced raw.
func (e *enricher) parseAddress(ctx context.Context, o models.Order) (*types.ShippingAddress, *string) {
	addr, err := types.ParseShippingAddress(o.ShippingAddress)
	if err == nil {
		return addr, nil
	}
	if e.logg != nil {
		logCtx := e.logg.WithOrderID(ctx, o.ID.String())
		logCtx = e.logg.WithField(logCtx, "error", err.Error())
		e.logg.Warn(logCtx, "order.shipping_address.unparseable")
	}
	raw := o.ShippingAddress
	return nil, &raw
}
