package orders

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/storefront-backend/api/middleware"
	internalorders "github.com/angelmondragon/storefront-backend/internal/orders"
	"github.com/angelmondragon/storefront-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/storefront-backend/pkg/errors"
	"github.com/angelmondragon/storefront-backend/pkg/logger"
	"github.com/angelmondragon/storefront-backend/pkg/pagination"
)

type stubOrdersService struct {
	placeResult *internalorders.PlaceOrderResult
	err         error

	gotActor  internalorders.Actor
	gotKey    string
	gotParams pagination.Params
	gotStatus string
	gotID     uuid.UUID
}

func (s *stubOrdersService) PlaceOrder(ctx context.Context, actor internalorders.Actor, req internalorders.PlaceOrderRequest, key string) (*internalorders.PlaceOrderResult, error) {
	s.gotActor = actor
	s.gotKey = key
	return s.placeResult, s.err
}

func (s *stubOrdersService) Get(ctx context.Context, actor internalorders.Actor, id uuid.UUID) (*internalorders.OrderDTO, error) {
	s.gotActor = actor
	s.gotID = id
	if s.err != nil {
		return nil, s.err
	}
	return &internalorders.OrderDTO{ID: id}, nil
}

func (s *stubOrdersService) List(ctx context.Context, actor internalorders.Actor, params pagination.Params) (*internalorders.OrderListDTO, error) {
	s.gotActor = actor
	s.gotParams = params
	return &internalorders.OrderListDTO{Orders: []internalorders.OrderDTO{}}, s.err
}

func (s *stubOrdersService) UpdateStatus(ctx context.Context, actor internalorders.Actor, id uuid.UUID, status string) (*internalorders.OrderDTO, error) {
	s.gotActor = actor
	s.gotID = id
	s.gotStatus = status
	if s.err != nil {
		return nil, s.err
	}
	return &internalorders.OrderDTO{ID: id, Status: enums.OrderStatus(status)}, nil
}

func withActor(req *http.Request, userID uuid.UUID, role enums.UserRole) *http.Request {
	ctx := middleware.WithUserID(req.Context(), userID.String())
	ctx = middleware.WithRole(ctx, string(role))
	return req.WithContext(ctx)
}

func withOrderParam(req *http.Request, id string) *http.Request {
	rc := chi.NewRouteContext()
	rc.URLParams.Add("orderId", id)
	return req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rc))
}

const placeBody = `{
	"items":[{"productId":"7f7f0c1e-3b55-4b8e-9f0e-4f3f3d1e2a10","quantity":2,"price":9.99}],
	"subtotal":19.98,"shipping":"5.99","tax":1.60,"total":27.57,
	"shippingAddress":{"name":"Ada","street":"1 Main","city":"X","state":"Y","zip":"1","country":"US"}
}`

func TestPlaceReturnsCreated(t *testing.T) {
	orderID := uuid.New()
	svc := &stubOrdersService{placeResult: &internalorders.PlaceOrderResult{
		Order:   &internalorders.OrderDTO{ID: orderID, Status: enums.OrderStatusPending},
		Created: true,
	}}
	userID := uuid.New()
	req := withActor(httptest.NewRequest(http.MethodPost, "/api/v1/orders", strings.NewReader(placeBody)), userID, enums.UserRoleCustomer)
	req.Header.Set("Idempotency-Key", " key-1 ")

	resp := httptest.NewRecorder()
	Place(svc, logger.Nop())(resp, req)

	require.Equal(t, http.StatusCreated, resp.Code)
	require.Equal(t, "key-1", svc.gotKey)
	require.Equal(t, userID, svc.gotActor.UserID)

	var payload struct {
		Success bool `json:"success"`
		Data    struct {
			ID     string `json:"id"`
			Status string `json:"status"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &payload))
	require.True(t, payload.Success)
	require.Equal(t, orderID.String(), payload.Data.ID)
	require.Equal(t, "pending", payload.Data.Status)
}

func TestPlaceReplayReturnsOK(t *testing.T) {
	svc := &stubOrdersService{placeResult: &internalorders.PlaceOrderResult{
		Order:   &internalorders.OrderDTO{ID: uuid.New()},
		Created: false,
	}}
	req := withActor(httptest.NewRequest(http.MethodPost, "/api/v1/orders", strings.NewReader(placeBody)), uuid.New(), enums.UserRoleCustomer)

	resp := httptest.NewRecorder()
	Place(svc, logger.Nop())(resp, req)
	require.Equal(t, http.StatusOK, resp.Code)
}

func TestPlaceRejectsEmptyItems(t *testing.T) {
	body := `{"items":[],"subtotal":0,"shipping":0,"tax":0,"total":0,"shippingAddress":{}}`
	req := withActor(httptest.NewRequest(http.MethodPost, "/api/v1/orders", strings.NewReader(body)), uuid.New(), enums.UserRoleCustomer)

	resp := httptest.NewRecorder()
	Place(&stubOrdersService{}, logger.Nop())(resp, req)
	require.Equal(t, http.StatusBadRequest, resp.Code)
}

func TestPlaceSurfacesStockConflictDetails(t *testing.T) {
	svc := &stubOrdersService{err: pkgerrors.New(pkgerrors.CodeInsufficientStock, "insufficient stock").
		WithDetails(map[string]any{"productId": "p1", "requested": 3})}
	req := withActor(httptest.NewRequest(http.MethodPost, "/api/v1/orders", strings.NewReader(placeBody)), uuid.New(), enums.UserRoleCustomer)

	resp := httptest.NewRecorder()
	Place(svc, logger.Nop())(resp, req)
	require.Equal(t, http.StatusConflict, resp.Code)

	var payload struct {
		Code    string         `json:"code"`
		Details map[string]any `json:"details"`
	}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &payload))
	require.Equal(t, "INSUFFICIENT_STOCK", payload.Code)
	require.Equal(t, "p1", payload.Details["productId"])
}

func TestListParsesPagination(t *testing.T) {
	svc := &stubOrdersService{}
	req := withActor(httptest.NewRequest(http.MethodGet, "/api/v1/orders?limit=10&cursor=abc", nil), uuid.New(), enums.UserRoleAdmin)

	resp := httptest.NewRecorder()
	List(svc, logger.Nop())(resp, req)

	require.Equal(t, http.StatusOK, resp.Code)
	require.Equal(t, 10, svc.gotParams.Limit)
	require.Equal(t, "abc", svc.gotParams.Cursor)
	require.True(t, svc.gotActor.IsAdmin())
}

func TestListRejectsOversizedLimit(t *testing.T) {
	req := withActor(httptest.NewRequest(http.MethodGet, "/api/v1/orders?limit=500", nil), uuid.New(), enums.UserRoleCustomer)

	resp := httptest.NewRecorder()
	List(&stubOrdersService{}, logger.Nop())(resp, req)
	require.Equal(t, http.StatusBadRequest, resp.Code)
}

func TestDetailForbiddenHasNoOrderContent(t *testing.T) {
	svc := &stubOrdersService{err: pkgerrors.New(pkgerrors.CodeForbidden, "order belongs to another user")}
	orderID := uuid.New()
	req := withActor(httptest.NewRequest(http.MethodGet, "/api/v1/orders/"+orderID.String(), nil), uuid.New(), enums.UserRoleCustomer)
	req = withOrderParam(req, orderID.String())

	resp := httptest.NewRecorder()
	Detail(svc, logger.Nop())(resp, req)

	require.Equal(t, http.StatusForbidden, resp.Code)
	require.NotContains(t, resp.Body.String(), `"data"`)
}

func TestDetailRejectsBadID(t *testing.T) {
	req := withActor(httptest.NewRequest(http.MethodGet, "/api/v1/orders/nope", nil), uuid.New(), enums.UserRoleCustomer)
	req = withOrderParam(req, "nope")

	resp := httptest.NewRecorder()
	Detail(&stubOrdersService{}, logger.Nop())(resp, req)
	require.Equal(t, http.StatusBadRequest, resp.Code)
}

func TestUpdateStatusPassesStatus(t *testing.T) {
	svc := &stubOrdersService{}
	orderID := uuid.New()
	req := withActor(httptest.NewRequest(http.MethodPatch, "/api/admin/v1/orders/x/status", strings.NewReader(`{"status":"shipped"}`)), uuid.New(), enums.UserRoleAdmin)
	req = withOrderParam(req, orderID.String())

	resp := httptest.NewRecorder()
	UpdateStatus(svc, logger.Nop())(resp, req)

	require.Equal(t, http.StatusOK, resp.Code)
	require.Equal(t, "shipped", svc.gotStatus)
	require.Equal(t, orderID, svc.gotID)
}

func TestUpdateStatusMissingStatus(t *testing.T) {
	req := withActor(httptest.NewRequest(http.MethodPatch, "/", strings.NewReader(`{}`)), uuid.New(), enums.UserRoleAdmin)
	req = withOrderParam(req, uuid.NewString())

	resp := httptest.NewRecorder()
	UpdateStatus(&stubOrdersService{}, logger.Nop())(resp, req)
	require.Equal(t, http.StatusBadRequest, resp.Code)
}

func TestActorFromRequestRequiresIdentity(t *testing.T) {
	resp := httptest.NewRecorder()
	List(&stubOrdersService{}, logger.Nop())(resp, httptest.NewRequest(http.MethodGet, "/api/v1/orders", nil))
	require.Equal(t, http.StatusUnauthorized, resp.Code)
}
