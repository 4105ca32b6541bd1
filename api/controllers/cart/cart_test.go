package cart

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/angelmondragon/storefront-backend/api/middleware"
	cartsvc "github.com/angelmondragon/storefront-backend/internal/cart"
	product "github.com/angelmondragon/storefront-backend/internal/products"
	"github.com/angelmondragon/storefront-backend/pkg/db"
	"github.com/angelmondragon/storefront-backend/pkg/db/dbtest"
	"github.com/angelmondragon/storefront-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/storefront-backend/pkg/errors"
	"github.com/angelmondragon/storefront-backend/pkg/logger"
)

type stubCartService struct {
	view        *cartsvc.CartView
	replaceErr  error
	gotItems    []cartsvc.CartItemRequest
	gotExpected *int64
}

func (s *stubCartService) Fetch(ctx context.Context, userID uuid.UUID) (*cartsvc.CartView, error) {
	return s.view, nil
}

func (s *stubCartService) Replace(ctx context.Context, userID uuid.UUID, items []cartsvc.CartItemRequest, expected *int64) (*cartsvc.ReplaceResult, error) {
	s.gotItems = items
	s.gotExpected = expected
	if s.replaceErr != nil {
		return nil, s.replaceErr
	}
	return &cartsvc.ReplaceResult{Message: "cart updated", Version: 4}, nil
}

func (s *stubCartService) ClearForUser(ctx context.Context, tx *gorm.DB, userID uuid.UUID) error {
	return nil
}

func authed(req *http.Request) *http.Request {
	return req.WithContext(middleware.WithUserID(req.Context(), uuid.NewString()))
}

func TestGetEmptyCartReturnsArrayAndETag(t *testing.T) {
	svc := &stubCartService{view: &cartsvc.CartView{Items: []cartsvc.CartItemDTO{}, Version: 0}}

	resp := httptest.NewRecorder()
	Get(svc, logger.Nop())(resp, authed(httptest.NewRequest(http.MethodGet, "/api/v1/cart", nil)))

	require.Equal(t, http.StatusOK, resp.Code)
	require.Equal(t, `"0"`, resp.Header().Get("ETag"))
	require.JSONEq(t, `{"success":true,"data":[]}`, resp.Body.String())
}

func TestGetRequiresIdentity(t *testing.T) {
	resp := httptest.NewRecorder()
	Get(&stubCartService{}, logger.Nop())(resp, httptest.NewRequest(http.MethodGet, "/api/v1/cart", nil))
	require.Equal(t, http.StatusUnauthorized, resp.Code)
}

func TestReplacePassesIfMatchVersion(t *testing.T) {
	svc := &stubCartService{}
	body := `{"items":[{"productId":"` + uuid.NewString() + `","quantity":2,"price":9.99}]}`
	req := authed(httptest.NewRequest(http.MethodPut, "/api/v1/cart", strings.NewReader(body)))
	req.Header.Set("If-Match", `W/"3"`)

	resp := httptest.NewRecorder()
	Replace(svc, logger.Nop())(resp, req)

	require.Equal(t, http.StatusOK, resp.Code)
	require.NotNil(t, svc.gotExpected)
	require.Equal(t, int64(3), *svc.gotExpected)
	require.Len(t, svc.gotItems, 1)
	require.Equal(t, 2, svc.gotItems[0].Quantity)
	require.Equal(t, `"4"`, resp.Header().Get("ETag"))

	var payload struct {
		Data cartsvc.ReplaceResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &payload))
	require.Equal(t, int64(4), payload.Data.Version)
}

func TestReplaceWithoutIfMatchIsUnconditional(t *testing.T) {
	svc := &stubCartService{}
	req := authed(httptest.NewRequest(http.MethodPut, "/api/v1/cart", strings.NewReader(`{"items":[]}`)))

	resp := httptest.NewRecorder()
	Replace(svc, logger.Nop())(resp, req)

	require.Equal(t, http.StatusOK, resp.Code)
	require.Nil(t, svc.gotExpected)
}

func TestReplaceConflictMapsTo409(t *testing.T) {
	svc := &stubCartService{replaceErr: pkgerrors.New(pkgerrors.CodeConflict, "cart was modified by another session")}
	req := authed(httptest.NewRequest(http.MethodPut, "/api/v1/cart", strings.NewReader(`{"items":[]}`)))
	req.Header.Set("If-Match", `"1"`)

	resp := httptest.NewRecorder()
	Replace(svc, logger.Nop())(resp, req)
	require.Equal(t, http.StatusConflict, resp.Code)
}

func TestReplaceIfMatchZeroAfterFirstWriteConflicts(t *testing.T) {
	conn := dbtest.Open(t)
	products := product.NewRepository(conn)
	repo := cartsvc.NewRepository(conn)
	svc, err := cartsvc.NewService(repo, db.NewFromGorm(conn), func(tx *gorm.DB) cartsvc.CatalogReader {
		return products.WithTx(tx)
	})
	require.NoError(t, err)
	user := dbtest.MustCreateUser(t, conn, enums.UserRoleCustomer)

	_, err = repo.BumpVersion(context.Background(), user.ID, nil)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPut, "/api/v1/cart", strings.NewReader(`{"items":[]}`))
	req = req.WithContext(middleware.WithUserID(req.Context(), user.ID.String()))
	req.Header.Set("If-Match", `"0"`)

	resp := httptest.NewRecorder()
	Replace(svc, logger.Nop())(resp, req)
	require.Equal(t, http.StatusConflict, resp.Code)

	version, err := repo.CurrentVersion(context.Background(), user.ID)
	require.NoError(t, err)
	require.Equal(t, int64(1), version)
}

func TestReplaceRejectsMalformedIfMatch(t *testing.T) {
	req := authed(httptest.NewRequest(http.MethodPut, "/api/v1/cart", strings.NewReader(`{"items":[]}`)))
	req.Header.Set("If-Match", "abc")

	resp := httptest.NewRecorder()
	Replace(&stubCartService{}, logger.Nop())(resp, req)
	require.Equal(t, http.StatusBadRequest, resp.Code)
}

func TestParseIfMatch(t *testing.T) {
	v, err := parseIfMatch("*")
	require.NoError(t, err)
	require.Nil(t, v)

	v, err = parseIfMatch(`"12"`)
	require.NoError(t, err)
	require.Equal(t, int64(12), *v)

	_, err = parseIfMatch("-1")
	require.Error(t, err)
}
