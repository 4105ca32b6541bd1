package cart

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"gorm.io/gorm"

	product "github.com/angelmondragon/storefront-backend/internal/products"
	"github.com/angelmondragon/storefront-backend/pkg/db/models"
	pkgerrors "github.com/angelmondragon/storefront-backend/pkg/errors"
	"github.com/angelmondragon/storefront-backend/pkg/types"
)

const replacedMessage = "cart updated"

// Service exposes the server-side cart mirror.
type Service interface {
	Fetch(ctx context.Context, userID uuid.UUID) (*CartView, error)
	Replace(ctx context.Context, userID uuid.UUID, items []CartItemRequest, expectedVersion *int64) (*ReplaceResult, error)
	ClearForUser(ctx context.Context, tx *gorm.DB, userID uuid.UUID) error
}

type service struct {
	repo    CartRepository
	catalog func(tx *gorm.DB) CatalogReader
	tx      txRunner
}

// NewService builds a cart service. catalog returns a reader bound to the
// given transaction, or to the base connection when tx is nil.
func NewService(repo CartRepository, tx txRunner, catalog func(tx *gorm.DB) CatalogReader) (Service, error) {
	if repo == nil {
		return nil, fmt.Errorf("cart repository required")
	}
	if tx == nil {
		return nil, fmt.Errorf("transaction runner required")
	}
	if catalog == nil {
		return nil, fmt.Errorf("catalog reader required")
	}
	return &service{repo: repo, tx: tx, catalog: catalog}, nil
}

func (s *service) Fetch(ctx context.Context, userID uuid.UUID) (*CartView, error) {
	if userID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeUnauthorized, "user identity missing")
	}
	var view CartView
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		// version before items: Replace bumps the version first, so the
		// items read here are never older than the ETag.
		version, err := repo.CurrentVersion(ctx, userID)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load cart version")
		}
		rows, err := repo.ListByUser(ctx, userID)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list cart items")
		}
		items, err := s.enrich(ctx, s.catalog(tx), rows)
		if err != nil {
			return err
		}
		view = CartView{Items: items, Version: version}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &view, nil
}

func (s *service) enrich(ctx context.Context, catalog CatalogReader, rows []models.CartItem) ([]CartItemDTO, error) {
	out := make([]CartItemDTO, 0, len(rows))
	if len(rows) == 0 {
		return out, nil
	}

	productIDs, variantIDs := collectIDs(rows)
	products, err := catalog.FindProductsByIDs(ctx, productIDs)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load products")
	}
	variants, err := catalog.FindVariantsByIDs(ctx, variantIDs)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load variants")
	}
	images, err := catalog.FirstImages(ctx, productIDs)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load product images")
	}

	for _, row := range rows {
		dto := CartItemDTO{
			ProductID: row.ProductID,
			VariantID: row.VariantID,
			Quantity:  row.Quantity,
			Price:     types.NewMoney(row.Price),
		}
		if p, ok := products[row.ProductID]; ok {
			dto.ProductName = p.Name
			var variant *models.ProductVariant
			if row.VariantID != nil {
				if v, ok := variants[*row.VariantID]; ok {
					variant = &v
				}
			}
			dto.Price = types.NewMoney(product.UnitPrice(p, variant))
		}
		if url, ok := images[row.ProductID]; ok {
			image := url
			dto.ProductImage = &image
		}
		out = append(out, dto)
	}
	return out, nil
}

type parsedItem struct {
	productID uuid.UUID
	variantID *uuid.UUID
	quantity  int
}

func (s *service) Replace(ctx context.Context, userID uuid.UUID, items []CartItemRequest, expectedVersion *int64) (*ReplaceResult, error) {
	if userID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeUnauthorized, "user identity missing")
	}
	if expectedVersion != nil && *expectedVersion < 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "cart version must be zero or greater")
	}
	parsed, err := parseItems(items)
	if err != nil {
		return nil, err
	}

	var version int64
	err = s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)

		rows, err := s.resolveRows(ctx, s.catalog(tx), parsed)
		if err != nil {
			return err
		}

		version, err = repo.BumpVersion(ctx, userID, expectedVersion)
		if err != nil {
			if errors.Is(err, ErrVersionConflict) {
				return pkgerrors.New(pkgerrors.CodeConflict, "cart was modified by another session").
					WithDetails(map[string]any{"expectedVersion": *expectedVersion})
			}
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "bump cart version")
		}
		if err := repo.DeleteByUser(ctx, userID); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "clear cart items")
		}
		if err := repo.InsertItems(ctx, userID, rows); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "insert cart items")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &ReplaceResult{Message: replacedMessage, Version: version}, nil
}

// resolveRows checks every line against the catalog and snapshots its price.
func (s *service) resolveRows(ctx context.Context, catalog CatalogReader, items []parsedItem) ([]models.CartItem, error) {
	if len(items) == 0 {
		return nil, nil
	}
	productIDs := make([]uuid.UUID, 0, len(items))
	variantIDs := make([]uuid.UUID, 0, len(items))
	for _, item := range items {
		productIDs = append(productIDs, item.productID)
		if item.variantID != nil {
			variantIDs = append(variantIDs, *item.variantID)
		}
	}
	products, err := catalog.FindProductsByIDs(ctx, productIDs)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load products")
	}
	variants, err := catalog.FindVariantsByIDs(ctx, variantIDs)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load variants")
	}

	rows := make([]models.CartItem, 0, len(items))
	var unknown []string
	for _, item := range items {
		p, ok := products[item.productID]
		if !ok {
			unknown = append(unknown, item.productID.String())
			continue
		}
		var variant *models.ProductVariant
		if item.variantID != nil {
			v, ok := variants[*item.variantID]
			if !ok || v.ProductID != p.ID {
				unknown = append(unknown, item.variantID.String())
				continue
			}
			variant = &v
		}
		rows = append(rows, models.CartItem{
			ProductID: item.productID,
			VariantID: item.variantID,
			Quantity:  item.quantity,
			Price:     product.UnitPrice(p, variant),
		})
	}
	if len(unknown) > 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "unknown product/variant").
			WithDetails(map[string]any{"unknown": unknown})
	}
	return rows, nil
}

// ClearForUser empties the cart inside the caller's transaction and bumps the
// version so open tabs holding the old ETag are rejected.
func (s *service) ClearForUser(ctx context.Context, tx *gorm.DB, userID uuid.UUID) error {
	if tx == nil {
		return errors.New("transaction required")
	}
	repo := s.repo.WithTx(tx)
	if err := repo.DeleteByUser(ctx, userID); err != nil {
		return err
	}
	_, err := repo.BumpVersion(ctx, userID, nil)
	return err
}

// parseItems validates shape before any transaction is opened. Every bad line
// is reported, not just the first.
func parseItems(items []CartItemRequest) ([]parsedItem, error) {
	parsed := make([]parsedItem, 0, len(items))
	seen := make(map[string]int, len(items))
	var errs error

	for i, item := range items {
		var lineErr error
		productID, err := uuid.Parse(strings.TrimSpace(item.ProductID))
		if err != nil {
			lineErr = multierr.Append(lineErr, fmt.Errorf("items[%d].productId must be a valid uuid", i))
		}
		var variantID *uuid.UUID
		if item.VariantID != nil && strings.TrimSpace(*item.VariantID) != "" {
			id, err := uuid.Parse(strings.TrimSpace(*item.VariantID))
			if err != nil {
				lineErr = multierr.Append(lineErr, fmt.Errorf("items[%d].variantId must be a valid uuid", i))
			} else {
				variantID = &id
			}
		}
		if item.Quantity < 1 {
			lineErr = multierr.Append(lineErr, fmt.Errorf("items[%d].quantity must be at least 1", i))
		}
		if lineErr != nil {
			errs = multierr.Append(errs, lineErr)
			continue
		}

		key := identityKey(productID, variantID)
		if first, dup := seen[key]; dup {
			errs = multierr.Append(errs, fmt.Errorf("items[%d] duplicates items[%d]", i, first))
			continue
		}
		seen[key] = i
		parsed = append(parsed, parsedItem{productID: productID, variantID: variantID, quantity: item.Quantity})
	}

	if errs != nil {
		messages := []string{}
		for _, e := range multierr.Errors(errs) {
			messages = append(messages, e.Error())
		}
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "invalid cart items").
			WithDetails(map[string]any{"errors": messages})
	}
	return parsed, nil
}

// identityKey is the variant when present, otherwise the product.
func identityKey(productID uuid.UUID, variantID *uuid.UUID) string {
	if variantID != nil {
		return "v:" + variantID.String()
	}
	return "p:" + productID.String()
}

func collectIDs(rows []models.CartItem) ([]uuid.UUID, []uuid.UUID) {
	productIDs := make([]uuid.UUID, 0, len(rows))
	variantIDs := make([]uuid.UUID, 0, len(rows))
	seen := map[uuid.UUID]struct{}{}
	for _, row := range rows {
		if _, ok := seen[row.ProductID]; !ok {
			seen[row.ProductID] = struct{}{}
			productIDs = append(productIDs, row.ProductID)
		}
		if row.VariantID != nil {
			variantIDs = append(variantIDs, *row.VariantID)
		}
	}
	return productIDs, variantIDs
}
