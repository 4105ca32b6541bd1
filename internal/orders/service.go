package orders

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/multierr"
	"gorm.io/gorm"

	"github.com/angelmondragon/storefront-backend/internal/inventory"
	product "github.com/angelmondragon/storefront-backend/internal/products"
	"github.com/angelmondragon/storefront-backend/pkg/db"
	"github.com/angelmondragon/storefront-backend/pkg/db/models"
	"github.com/angelmondragon/storefront-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/storefront-backend/pkg/errors"
	"github.com/angelmondragon/storefront-backend/pkg/logger"
	"github.com/angelmondragon/storefront-backend/pkg/outbox"
	"github.com/angelmondragon/storefront-backend/pkg/pagination"
	"github.com/angelmondragon/storefront-backend/pkg/types"
)

const maxIdempotencyKeyLength = 255

var errDuplicateIdempotencyKey = errors.New("idempotency key already used")

// Service places orders and serves order reads and admin status changes.
type Service interface {
	PlaceOrder(ctx context.Context, actor Actor, req PlaceOrderRequest, idempotencyKey string) (*PlaceOrderResult, error)
	Get(ctx context.Context, actor Actor, orderID uuid.UUID) (*OrderDTO, error)
	List(ctx context.Context, actor Actor, params pagination.Params) (*OrderListDTO, error)
	UpdateStatus(ctx context.Context, actor Actor, orderID uuid.UUID, status string) (*OrderDTO, error)
}

// CatalogReader is the product lookup surface used during checkout and reads.
type CatalogReader interface {
	FindProduct(ctx context.Context, id uuid.UUID) (*models.Product, error)
	FindVariant(ctx context.Context, id uuid.UUID) (*models.ProductVariant, error)
	FindProductsByIDs(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]models.Product, error)
	FirstImages(ctx context.Context, productIDs []uuid.UUID) (map[uuid.UUID]string, error)
}

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type stockLedger interface {
	DecrementVariant(ctx context.Context, tx *gorm.DB, variantID uuid.UUID, qty int) error
	DecrementProduct(ctx context.Context, tx *gorm.DB, productID uuid.UUID, qty int) error
}

type cartClearer interface {
	ClearForUser(ctx context.Context, tx *gorm.DB, userID uuid.UUID) error
}

type orderMetrics interface {
	IncPlaced()
	IncReplayed()
	IncRejected(code string)
	IncStatusChange(status string)
}

// ServiceParams collects the collaborators of the order service.
type ServiceParams struct {
	Repo    Repository
	Tx      txRunner
	Catalog func(tx *gorm.DB) CatalogReader
	Ledger  stockLedger
	Cart    cartClearer
	Outbox  outbox.Emitter
	Users   userReader
	Pricer  *Pricer
	Metrics orderMetrics
	Logger  *logger.Logger
	Now     func() time.Time
}

type service struct {
	repo    Repository
	tx      txRunner
	catalog func(tx *gorm.DB) CatalogReader
	ledger  stockLedger
	cart    cartClearer
	outbox  outbox.Emitter
	users   userReader
	pricer  *Pricer
	metrics orderMetrics
	logg    *logger.Logger
	now     func() time.Time
}

func NewService(params ServiceParams) (Service, error) {
	if params.Repo == nil {
		return nil, fmt.Errorf("order repository required")
	}
	if params.Tx == nil {
		return nil, fmt.Errorf("transaction runner required")
	}
	if params.Catalog == nil {
		return nil, fmt.Errorf("catalog reader required")
	}
	if params.Ledger == nil {
		return nil, fmt.Errorf("stock ledger required")
	}
	if params.Cart == nil {
		return nil, fmt.Errorf("cart service required")
	}
	if params.Outbox == nil {
		return nil, fmt.Errorf("outbox emitter required")
	}
	if params.Pricer == nil {
		return nil, fmt.Errorf("pricer required")
	}
	if params.Logger == nil {
		params.Logger = logger.Nop()
	}
	if params.Now == nil {
		params.Now = time.Now
	}
	return &service{
		repo:    params.Repo,
		tx:      params.Tx,
		catalog: params.Catalog,
		ledger:  params.Ledger,
		cart:    params.Cart,
		outbox:  params.Outbox,
		users:   params.Users,
		pricer:  params.Pricer,
		metrics: params.Metrics,
		logg:    params.Logger,
		now:     params.Now,
	}, nil
}

type checkoutLine struct {
	productID uuid.UUID
	variantID *uuid.UUID
	quantity  int
	price     decimal.Decimal
}

func (s *service) PlaceOrder(ctx context.Context, actor Actor, req PlaceOrderRequest, idempotencyKey string) (*PlaceOrderResult, error) {
	result, err := s.placeOrder(ctx, actor, req, idempotencyKey)
	if err != nil {
		s.recordRejected(err)
		return nil, err
	}
	if s.metrics != nil {
		if result.Created {
			s.metrics.IncPlaced()
		} else {
			s.metrics.IncReplayed()
		}
	}
	return result, nil
}

func (s *service) placeOrder(ctx context.Context, actor Actor, req PlaceOrderRequest, idempotencyKey string) (*PlaceOrderResult, error) {
	if actor.UserID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeUnauthorized, "user identity missing")
	}
	idempotencyKey = strings.TrimSpace(idempotencyKey)
	if len(idempotencyKey) > maxIdempotencyKeyLength {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "idempotency key too long")
	}

	lines, err := parseCheckoutLines(req)
	if err != nil {
		return nil, err
	}
	storedAddress, _, err := types.NormalizeShippingAddress(req.ShippingAddress)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, err.Error())
	}

	if idempotencyKey != "" {
		if replay, err := s.replay(ctx, actor.UserID, idempotencyKey); replay != nil || err != nil {
			return replay, err
		}
	}

	ctx = s.logg.WithUserID(ctx, actor.UserID.String())
	now := s.now().UTC()
	orderID := uuid.New()

	err = s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		catalog := s.catalog(tx)

		priced := make([]PricedLine, 0, len(lines))
		for _, line := range lines {
			unit, err := s.currentUnitPrice(ctx, catalog, line)
			if err != nil {
				return err
			}
			if !s.pricer.Matches(line.price, unit) {
				return pkgerrors.New(pkgerrors.CodePriceMismatch, "item price no longer matches catalog").
					WithDetails(map[string]any{
						"productId": line.productID.String(),
						"variantId": uuidString(line.variantID),
						"submitted": line.price.StringFixed(2),
						"current":   unit.StringFixed(2),
					})
			}
			priced = append(priced, PricedLine{UnitPrice: unit, Quantity: line.quantity})
		}

		expected := s.pricer.Compute(priced)
		submitted := Totals{Subtotal: req.Subtotal, Shipping: req.Shipping, Tax: req.Tax, Total: req.Total}
		if !s.pricer.MatchesTotals(submitted, expected) {
			return pkgerrors.New(pkgerrors.CodeTotalsMismatch, "order totals do not match").
				WithDetails(map[string]any{
					"expected":  expected.asMap(),
					"submitted": submitted.asMap(),
				})
		}

		order := &models.Order{
			ID:              orderID,
			UserID:          actor.UserID,
			Subtotal:        expected.Subtotal,
			Shipping:        expected.Shipping,
			Tax:             expected.Tax,
			Total:           expected.Total,
			Status:          enums.OrderStatusPending,
			ShippingAddress: storedAddress,
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		if idempotencyKey != "" {
			key := idempotencyKey
			order.IdempotencyKey = &key
		}
		repo := s.repo.WithTx(tx)
		if err := repo.CreateOrder(ctx, order); err != nil {
			if db.IsUniqueViolation(err, "") && idempotencyKey != "" {
				return errDuplicateIdempotencyKey
			}
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "create order")
		}

		items := make([]models.OrderItem, 0, len(lines))
		for i, line := range lines {
			items = append(items, models.OrderItem{
				ID:        uuid.New(),
				OrderID:   orderID,
				ProductID: line.productID,
				VariantID: line.variantID,
				Quantity:  line.quantity,
				Price:     priced[i].UnitPrice,
				CreatedAt: now.Add(time.Duration(i) * time.Microsecond),
			})
		}
		if err := repo.CreateItems(ctx, items); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "create order items")
		}

		for _, line := range lines {
			if err := s.decrementStock(ctx, tx, line); err != nil {
				return err
			}
		}

		if err := s.cart.ClearForUser(ctx, tx, actor.UserID); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "clear cart")
		}

		return s.outbox.Emit(ctx, tx, outbox.DomainEvent{
			EventType:     enums.EventOrderPlaced,
			AggregateType: enums.AggregateOrder,
			AggregateID:   orderID,
			Actor:         &outbox.ActorRef{UserID: actor.UserID, Role: actor.Role},
			OccurredAt:    now,
			Data:          placedEvent(order, items),
		})
	})
	if errors.Is(err, errDuplicateIdempotencyKey) {
		replay, replayErr := s.replay(ctx, actor.UserID, idempotencyKey)
		if replayErr != nil {
			return nil, replayErr
		}
		if replay != nil {
			return replay, nil
		}
		return nil, pkgerrors.New(pkgerrors.CodeIdempotency, "idempotency key already used")
	}
	if err != nil {
		return nil, err
	}

	created, err := s.repo.FindByID(ctx, orderID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "reload order")
	}
	dto, err := s.enrichOne(ctx, created, false)
	if err != nil {
		return nil, err
	}
	s.logg.Info(s.logg.WithOrderID(ctx, orderID.String()), "order.placed")
	return &PlaceOrderResult{Order: dto, Created: true}, nil
}

// replay returns the stored order for a repeated key, or nil when unused.
func (s *service) replay(ctx context.Context, userID uuid.UUID, key string) (*PlaceOrderResult, error) {
	existing, err := s.repo.FindByIdempotencyKey(ctx, userID, key)
	if db.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "lookup idempotent order")
	}
	dto, err := s.enrichOne(ctx, existing, false)
	if err != nil {
		return nil, err
	}
	return &PlaceOrderResult{Order: dto, Created: false}, nil
}

func (s *service) currentUnitPrice(ctx context.Context, catalog CatalogReader, line checkoutLine) (decimal.Decimal, error) {
	p, err := catalog.FindProduct(ctx, line.productID)
	if err != nil {
		if db.IsNotFound(err) {
			return decimal.Zero, pkgerrors.New(pkgerrors.CodeNotFound, "product not found").
				WithDetails(map[string]any{"productId": line.productID.String()})
		}
		return decimal.Zero, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load product")
	}
	if !p.IsActive {
		return decimal.Zero, pkgerrors.New(pkgerrors.CodeConflict, "product is not available").
			WithDetails(map[string]any{"productId": p.ID.String()})
	}
	if line.variantID == nil {
		return product.UnitPrice(*p, nil), nil
	}
	v, err := catalog.FindVariant(ctx, *line.variantID)
	if err != nil {
		if db.IsNotFound(err) {
			return decimal.Zero, pkgerrors.New(pkgerrors.CodeNotFound, "variant not found").
				WithDetails(map[string]any{"variantId": line.variantID.String()})
		}
		return decimal.Zero, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load variant")
	}
	if v.ProductID != p.ID {
		return decimal.Zero, pkgerrors.New(pkgerrors.CodeValidation, "variant does not belong to product").
			WithDetails(map[string]any{"productId": p.ID.String(), "variantId": v.ID.String()})
	}
	return product.UnitPrice(*p, v), nil
}

// decrementStock takes units from the variant counter when one was chosen,
// then from the product aggregate.
func (s *service) decrementStock(ctx context.Context, tx *gorm.DB, line checkoutLine) error {
	var err error
	if line.variantID != nil {
		err = s.ledger.DecrementVariant(ctx, tx, *line.variantID, line.quantity)
	}
	if err == nil {
		err = s.ledger.DecrementProduct(ctx, tx, line.productID, line.quantity)
	}
	if err == nil {
		return nil
	}
	if errors.Is(err, inventory.ErrInsufficientStock) {
		return pkgerrors.New(pkgerrors.CodeInsufficientStock, "insufficient stock").
			WithDetails(map[string]any{
				"productId": line.productID.String(),
				"variantId": uuidString(line.variantID),
				"requested": line.quantity,
			})
	}
	return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "decrement stock")
}

func (s *service) Get(ctx context.Context, actor Actor, orderID uuid.UUID) (*OrderDTO, error) {
	order, err := s.loadVisible(ctx, actor, orderID)
	if err != nil {
		return nil, err
	}
	return s.enrichOne(ctx, order, actor.IsAdmin())
}

func (s *service) loadVisible(ctx context.Context, actor Actor, orderID uuid.UUID) (*models.Order, error) {
	if actor.UserID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeUnauthorized, "user identity missing")
	}
	order, err := s.repo.FindByID(ctx, orderID)
	if err != nil {
		if db.IsNotFound(err) {
			return nil, pkgerrors.New(pkgerrors.CodeNotFound, "order not found")
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load order")
	}
	if order.UserID != actor.UserID && !actor.IsAdmin() {
		return nil, pkgerrors.New(pkgerrors.CodeForbidden, "order belongs to another user")
	}
	return order, nil
}

func (s *service) List(ctx context.Context, actor Actor, params pagination.Params) (*OrderListDTO, error) {
	if actor.UserID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeUnauthorized, "user identity missing")
	}
	cursor, err := pagination.ParseCursor(params.Cursor)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid cursor")
	}
	limit := pagination.NormalizeLimit(params.Limit)

	filter := ListFilter{Cursor: cursor, Limit: limit}
	if !actor.IsAdmin() {
		userID := actor.UserID
		filter.UserID = &userID
	}
	rows, err := s.repo.List(ctx, filter)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list orders")
	}
	page, next := pagination.Trim(rows, limit, func(o models.Order) pagination.Cursor {
		return pagination.Cursor{CreatedAt: o.CreatedAt, ID: o.ID}
	})

	dtos, err := s.enricher().enrich(ctx, page, actor.IsAdmin())
	if err != nil {
		return nil, err
	}
	return &OrderListDTO{Orders: dtos, NextCursor: next}, nil
}

func (s *service) UpdateStatus(ctx context.Context, actor Actor, orderID uuid.UUID, raw string) (*OrderDTO, error) {
	if !actor.IsAdmin() {
		return nil, pkgerrors.New(pkgerrors.CodeForbidden, "admin role required")
	}
	next, err := enums.ParseOrderStatus(raw)
	if err != nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "invalid order status").
			WithDetails(map[string]any{"status": raw})
	}
	order, err := s.loadVisible(ctx, actor, orderID)
	if err != nil {
		return nil, err
	}
	current := order.Status
	if current == next {
		return s.enrichOne(ctx, order, true)
	}
	if !current.CanTransitionTo(next) {
		return nil, pkgerrors.New(pkgerrors.CodeStateConflict, "order status transition not allowed").
			WithDetails(map[string]any{"from": current, "to": next, "allowed": current.NextStatuses()})
	}

	now := s.now().UTC()
	err = s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		ok, err := s.repo.WithTx(tx).TransitionStatus(ctx, orderID, current, next, now)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "update order status")
		}
		if !ok {
			return pkgerrors.New(pkgerrors.CodeConflict, "order status changed concurrently").
				WithDetails(map[string]any{"expected": current})
		}
		return s.outbox.Emit(ctx, tx, outbox.DomainEvent{
			EventType:     enums.EventOrderStatusChanged,
			AggregateType: enums.AggregateOrder,
			AggregateID:   orderID,
			Actor:         &outbox.ActorRef{UserID: actor.UserID, Role: actor.Role},
			OccurredAt:    now,
			Data: outbox.OrderStatusChangedEvent{
				OrderID:   orderID,
				UserID:    order.UserID,
				From:      current,
				To:        next,
				ChangedBy: actor.UserID,
				ChangedAt: now,
			},
		})
	})
	if err != nil {
		return nil, err
	}
	if s.metrics != nil {
		s.metrics.IncStatusChange(string(next))
	}

	logCtx := s.logg.WithOrderID(ctx, orderID.String())
	logCtx = s.logg.WithFields(logCtx, map[string]any{"from": current, "to": next})
	s.logg.Info(logCtx, "order.status_changed")

	updated, err := s.repo.FindByID(ctx, orderID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "reload order")
	}
	return s.enrichOne(ctx, updated, true)
}

func (s *service) enricher() *enricher {
	return &enricher{catalog: s.catalog(nil), users: s.users, logg: s.logg}
}

func (s *service) enrichOne(ctx context.Context, order *models.Order, withCustomer bool) (*OrderDTO, error) {
	dtos, err := s.enricher().enrich(ctx, []models.Order{*order}, withCustomer)
	if err != nil {
		return nil, err
	}
	return &dtos[0], nil
}

func (s *service) recordRejected(err error) {
	if s.metrics == nil {
		return
	}
	if typed := pkgerrors.As(err); typed != nil {
		s.metrics.IncRejected(string(typed.Code()))
		return
	}
	s.metrics.IncRejected(string(pkgerrors.CodeInternal))
}

// parseCheckoutLines reports every invalid line at once.
func parseCheckoutLines(req PlaceOrderRequest) ([]checkoutLine, error) {
	var errs error
	if len(req.Items) == 0 {
		errs = multierr.Append(errs, errors.New("items must contain at least one line"))
	}
	lines := make([]checkoutLine, 0, len(req.Items))
	for i, item := range req.Items {
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
		if item.Price.IsNegative() {
			lineErr = multierr.Append(lineErr, fmt.Errorf("items[%d].price must not be negative", i))
		}
		if lineErr != nil {
			errs = multierr.Append(errs, lineErr)
			continue
		}
		lines = append(lines, checkoutLine{
			productID: productID,
			variantID: variantID,
			quantity:  item.Quantity,
			price:     item.Price,
		})
	}
	for name, amount := range map[string]decimal.Decimal{
		"subtotal": req.Subtotal,
		"shipping": req.Shipping,
		"tax":      req.Tax,
		"total":    req.Total,
	} {
		if amount.IsNegative() {
			errs = multierr.Append(errs, fmt.Errorf("%s must not be negative", name))
		}
	}

	if errs != nil {
		messages := []string{}
		for _, e := range multierr.Errors(errs) {
			messages = append(messages, e.Error())
		}
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "invalid order").
			WithDetails(map[string]any{"errors": messages})
	}
	return lines, nil
}

func placedEvent(order *models.Order, items []models.OrderItem) outbox.OrderPlacedEvent {
	evt := outbox.OrderPlacedEvent{
		OrderID:   order.ID,
		UserID:    order.UserID,
		Subtotal:  order.Subtotal,
		Shipping:  order.Shipping,
		Tax:       order.Tax,
		Total:     order.Total,
		Status:    order.Status,
		Items:     make([]outbox.OrderPlacedItem, 0, len(items)),
		CreatedAt: order.CreatedAt,
	}
	for _, item := range items {
		evt.Items = append(evt.Items, outbox.OrderPlacedItem{
			ProductID: item.ProductID,
			VariantID: item.VariantID,
			Quantity:  item.Quantity,
			Price:     item.Price,
		})
	}
	return evt
}

func uuidString(id *uuid.UUID) any {
	if id == nil {
		return nil
	}
	return id.String()
}
