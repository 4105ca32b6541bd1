package product

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/angelmondragon/storefront-backend/pkg/db/models"
)

// ProductDetailDTO is the admin inventory view of a product.
type ProductDetailDTO struct {
	ID        uuid.UUID       `json:"id"`
	Name      string          `json:"name"`
	Price     decimal.Decimal `json:"price"`
	Stock     int             `json:"stock"`
	IsActive  bool            `json:"isActive"`
	Images    []string        `json:"images"`
	Variants  []VariantDTO    `json:"variants"`
	CreatedAt time.Time       `json:"createdAt"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// VariantDTO includes the effective price so admins see what checkout charges.
type VariantDTO struct {
	ID             uuid.UUID        `json:"id"`
	Name           string           `json:"name"`
	Price          *decimal.Decimal `json:"price"`
	EffectivePrice decimal.Decimal  `json:"effectivePrice"`
	Stock          int              `json:"stock"`
}

func NewProductDetailDTO(p *models.Product) ProductDetailDTO {
	dto := ProductDetailDTO{
		ID:        p.ID,
		Name:      p.Name,
		Price:     p.Price,
		Stock:     p.Stock,
		IsActive:  p.IsActive,
		Images:    make([]string, 0, len(p.Images)),
		Variants:  make([]VariantDTO, 0, len(p.Variants)),
		CreatedAt: p.CreatedAt,
		UpdatedAt: p.UpdatedAt,
	}
	for _, img := range p.Images {
		dto.Images = append(dto.Images, img.URL)
	}
	for i := range p.Variants {
		v := p.Variants[i]
		dto.Variants = append(dto.Variants, VariantDTO{
			ID:             v.ID,
			Name:           v.Name,
			Price:          v.Price,
			EffectivePrice: UnitPrice(*p, &v),
			Stock:          v.Stock,
		})
	}
	return dto
}
