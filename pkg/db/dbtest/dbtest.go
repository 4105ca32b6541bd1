// Package dbtest provides in-memory sqlite databases and catalog fixtures for
// repository and service tests.
package dbtest

import (
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/angelmondragon/storefront-backend/pkg/db/models"
	"github.com/angelmondragon/storefront-backend/pkg/enums"
)

// Open returns a fresh migrated database private to the test. A single
// connection is used so transactions never contend with shared-cache locks.
func Open(t testing.TB) *gorm.DB {
	t.Helper()
	dsn := "file:dbtest_" + uuid.NewString() + "?mode=memory&cache=shared"
	conn, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := conn.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	if err := conn.AutoMigrate(models.All()...); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return conn
}

func MustCreateUser(t testing.TB, db *gorm.DB, role enums.UserRole) *models.User {
	t.Helper()
	id := uuid.New()
	user := &models.User{
		ID:           id,
		Email:        "user_" + id.String()[:8] + "@example.com",
		Name:         "Test " + id.String()[:4],
		PasswordHash: "hash",
		Role:         role,
	}
	if err := db.Create(user).Error; err != nil {
		t.Fatalf("create user: %v", err)
	}
	return user
}

func MustCreateProduct(t testing.TB, db *gorm.DB, name, price string, stock int) *models.Product {
	t.Helper()
	p := &models.Product{
		ID:       uuid.New(),
		Name:     name,
		Price:    decimal.RequireFromString(price),
		Stock:    stock,
		IsActive: true,
	}
	if err := db.Create(p).Error; err != nil {
		t.Fatalf("create product: %v", err)
	}
	return p
}

// MustCreateVariant creates a variant; an empty price inherits the product's.
func MustCreateVariant(t testing.TB, db *gorm.DB, productID uuid.UUID, name, price string, stock int) *models.ProductVariant {
	t.Helper()
	v := &models.ProductVariant{
		ID:        uuid.New(),
		ProductID: productID,
		Name:      name,
		Stock:     stock,
	}
	if price != "" {
		d := decimal.RequireFromString(price)
		v.Price = &d
	}
	if err := db.Create(v).Error; err != nil {
		t.Fatalf("create variant: %v", err)
	}
	return v
}

func MustCreateImage(t testing.TB, db *gorm.DB, productID uuid.UUID, url string, position int) *models.ProductImage {
	t.Helper()
	img := &models.ProductImage{
		ID:        uuid.New(),
		ProductID: productID,
		URL:       url,
		Position:  position,
	}
	if err := db.Create(img).Error; err != nil {
		t.Fatalf("create image: %v", err)
	}
	return img
}
