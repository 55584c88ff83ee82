package cache

import (
	"time"

	entitydomain "github.com/planfolio/billing/internal/entity/domain"
)

const defaultEntityTTL = 45 * time.Second

// EntityResolverCache stores webhook hot-path resolver lookups. The short
// entity TTL keeps staleness bounded between deliveries for the same ref.
type EntityResolverCache interface {
	GetEntity(externalRef string) (*entitydomain.BillableEntity, bool)
	SetEntity(externalRef string, entity *entitydomain.BillableEntity)
}

type entityResolverCache struct {
	entities  Cache[string, *entitydomain.BillableEntity]
	entityTTL time.Duration
}

// NewEntityResolverCache returns an in-memory cache tuned for webhook intake.
func NewEntityResolverCache() EntityResolverCache {
	return &entityResolverCache{
		entities:  NewTTLCache[string, *entitydomain.BillableEntity](),
		entityTTL: defaultEntityTTL,
	}
}

func (c *entityResolverCache) GetEntity(externalRef string) (*entitydomain.BillableEntity, bool) {
	return c.entities.Get(externalRef)
}

func (c *entityResolverCache) SetEntity(externalRef string, entity *entitydomain.BillableEntity) {
	if entity == nil || entity.ID == 0 {
		return
	}
	c.entities.Set(externalRef, entity, c.entityTTL)
}
