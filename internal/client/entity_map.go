package client

import (
	"github.com/zeusync/deltasync/internal/core/replication"
	"github.com/zeusync/deltasync/internal/core/world"
)

// NetworkEntityMap is the bijection between server entities and the local
// entities that mirror them.
type NetworkEntityMap struct {
	serverToClient map[world.Entity]world.Entity
	clientToServer map[world.Entity]world.Entity
}

func NewNetworkEntityMap() *NetworkEntityMap {
	return &NetworkEntityMap{
		serverToClient: make(map[world.Entity]world.Entity),
		clientToServer: make(map[world.Entity]world.Entity),
	}
}

// Insert maps server to client. Existing pairs that share either side are
// dropped first so the map stays one to one.
func (m *NetworkEntityMap) Insert(server, client world.Entity) {
	if oldClient, ok := m.serverToClient[server]; ok {
		delete(m.clientToServer, oldClient)
	}
	if oldServer, ok := m.clientToServer[client]; ok {
		delete(m.serverToClient, oldServer)
	}
	m.serverToClient[server] = client
	m.clientToServer[client] = server
}

// Remove forgets server and returns the local entity it was mapped to.
func (m *NetworkEntityMap) Remove(server world.Entity) (world.Entity, bool) {
	client, ok := m.serverToClient[server]
	if !ok {
		return world.Entity{}, false
	}
	delete(m.serverToClient, server)
	delete(m.clientToServer, client)
	return client, true
}

func (m *NetworkEntityMap) ToClient(server world.Entity) (world.Entity, bool) {
	e, ok := m.serverToClient[server]
	return e, ok
}

func (m *NetworkEntityMap) ToServer(client world.Entity) (world.Entity, bool) {
	e, ok := m.clientToServer[client]
	return e, ok
}

func (m *NetworkEntityMap) Len() int {
	return len(m.serverToClient)
}

func (m *NetworkEntityMap) Clear() {
	clear(m.serverToClient)
	clear(m.clientToServer)
}

// ServerMapper rewrites server entities into local ones. Unknown entities pass
// through unchanged.
func (m *NetworkEntityMap) ServerMapper() replication.EntityMapper {
	return replication.MapperFunc(func(e world.Entity) world.Entity {
		if local, ok := m.serverToClient[e]; ok {
			return local
		}
		return e
	})
}

// ClientMapper rewrites local entities into server ones before sending.
func (m *NetworkEntityMap) ClientMapper() replication.EntityMapper {
	return replication.MapperFunc(func(e world.Entity) world.Entity {
		if server, ok := m.clientToServer[e]; ok {
			return server
		}
		return e
	})
}
