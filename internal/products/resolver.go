package products

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/crosslogic/gpu-control-plane/internal/novita"
	"github.com/crosslogic/gpu-control-plane/pkg/cache"
)

// DefaultRegionPriority orders regions for fallback, lowest number first.
var DefaultRegionPriority = map[string]int{
	"AS-SGP-02": 1,
	"CN-HK-01":  2,
	"AS-IN-01":  3,
}

const optimalProductTTL = 5 * time.Minute

// Lister is the slice of the upstream client the resolver needs.
type Lister interface {
	GetProducts(ctx context.Context, filters novita.ProductFilters) ([]novita.Product, error)
}

// Result pairs the selected product with the region it was found in.
type Result struct {
	Product    novita.Product `json:"product"`
	RegionUsed string         `json:"regionUsed"`
}

// Resolver selects the cheapest available spot SKU for a product name,
// falling back across regions in priority order.
type Resolver struct {
	client Lister
	cache  cache.Cache
	logger *zap.Logger
}

func NewResolver(client Lister, productCache cache.Cache, logger *zap.Logger) *Resolver {
	return &Resolver{
		client: client,
		cache:  productCache,
		logger: logger,
	}
}

// GetOptimalProduct resolves the cheapest available SKU in a single region.
func (r *Resolver) GetOptimalProduct(ctx context.Context, name, region string) (*Result, error) {
	cacheKey := fmt.Sprintf("optimal:%s:%s", name, region)

	var cached Result
	if hit, err := r.cache.Get(ctx, cacheKey, &cached); err == nil && hit {
		r.logger.Debug("optimal product cache hit",
			zap.String("product_name", name),
			zap.String("region", region),
		)
		return &cached, nil
	}

	product, err := r.resolveInRegion(ctx, name, region)
	if err != nil {
		return nil, err
	}
	if product == nil {
		return nil, fmt.Errorf("no available products for %s in region %s", name, region)
	}

	result := &Result{Product: *product, RegionUsed: region}
	if err := r.cache.Set(ctx, cacheKey, result, optimalProductTTL); err != nil {
		r.logger.Warn("failed to cache optimal product", zap.String("key", cacheKey), zap.Error(err))
	}
	return result, nil
}

// GetOptimalProductWithFallback tries the preferred region first, then the
// remaining regions in priority order. Each failed region moves on to the
// next; only full exhaustion is an error.
func (r *Resolver) GetOptimalProductWithFallback(ctx context.Context, name, preferredRegion string, regions []string) (*Result, error) {
	ordered := orderRegions(preferredRegion, regions)

	for _, region := range ordered {
		cacheKey := fmt.Sprintf("optimal:%s:%s", name, region)
		var cached Result
		if hit, err := r.cache.Get(ctx, cacheKey, &cached); err == nil && hit {
			return &cached, nil
		}

		product, err := r.resolveInRegion(ctx, name, region)
		if err != nil {
			r.logger.Warn("product lookup failed, trying next region",
				zap.String("product_name", name),
				zap.String("region", region),
				zap.Error(err),
			)
			continue
		}
		if product == nil {
			r.logger.Debug("no available products in region",
				zap.String("product_name", name),
				zap.String("region", region),
			)
			continue
		}

		result := &Result{Product: *product, RegionUsed: region}
		if err := r.cache.Set(ctx, cacheKey, result, optimalProductTTL); err != nil {
			r.logger.Warn("failed to cache optimal product", zap.String("key", cacheKey), zap.Error(err))
		}

		r.logger.Info("resolved optimal product",
			zap.String("product_name", name),
			zap.String("product_id", product.ID),
			zap.String("region", region),
			zap.Float64("spot_price", product.SpotPrice),
		)
		return result, nil
	}

	return nil, fmt.Errorf("No optimal product found for %s in any available region", name)
}

// ClearCache drops all cached resolutions.
func (r *Resolver) ClearCache(ctx context.Context) error {
	return r.cache.Clear(ctx)
}

// resolveInRegion returns the cheapest available product in one region, or
// nil when none are available.
func (r *Resolver) resolveInRegion(ctx context.Context, name, region string) (*novita.Product, error) {
	products, err := r.client.GetProducts(ctx, novita.ProductFilters{
		ProductName:   name,
		Region:        region,
		BillingMethod: "spot",
	})
	if err != nil {
		return nil, err
	}

	available := make([]novita.Product, 0, len(products))
	for _, p := range products {
		if p.Availability == novita.AvailabilityAvailable {
			available = append(available, p)
		}
	}
	if len(available) == 0 {
		return nil, nil
	}

	sort.Slice(available, func(i, j int) bool {
		if available[i].SpotPrice != available[j].SpotPrice {
			return available[i].SpotPrice < available[j].SpotPrice
		}
		if available[i].OnDemandPrice != available[j].OnDemandPrice {
			return available[i].OnDemandPrice < available[j].OnDemandPrice
		}
		return available[i].ID < available[j].ID
	})
	return &available[0], nil
}

// orderRegions puts the preferred region first and the rest in priority
// order. Unknown regions sort after the known ones, by name.
func orderRegions(preferred string, regions []string) []string {
	if len(regions) == 0 {
		regions = make([]string, 0, len(DefaultRegionPriority))
		for region := range DefaultRegionPriority {
			regions = append(regions, region)
		}
	}

	rest := make([]string, 0, len(regions))
	seen := map[string]bool{}
	for _, region := range regions {
		if region == preferred || seen[region] {
			continue
		}
		seen[region] = true
		rest = append(rest, region)
	}
	sort.Slice(rest, func(i, j int) bool {
		pi, iKnown := DefaultRegionPriority[rest[i]]
		pj, jKnown := DefaultRegionPriority[rest[j]]
		if iKnown && jKnown {
			return pi < pj
		}
		if iKnown != jKnown {
			return iKnown
		}
		return rest[i] < rest[j]
	})

	if preferred == "" {
		return rest
	}
	return append([]string{preferred}, rest...)
}
