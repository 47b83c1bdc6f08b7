package replication

import "github.com/zeusync/deltasync/internal/core/world"

// EntityMapper translates an entity from one peer's identity space into
// another's. Unmapped entities are returned unchanged.
type EntityMapper interface {
	Map(e world.Entity) world.Entity
}

// MapNetworkEntities is implemented by component and event types that embed
// entity references.
type MapNetworkEntities interface {
	MapEntities(mapper EntityMapper)
}

// MapperFunc adapts a function to EntityMapper.
type MapperFunc func(world.Entity) world.Entity

func (f MapperFunc) Map(e world.Entity) world.Entity {
	return f(e)
}

// Identity is the server side mapper: server entities are canonical.
var Identity EntityMapper = MapperFunc(func(e world.Entity) world.Entity { return e })
