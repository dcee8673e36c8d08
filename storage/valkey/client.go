package valkey

import (
	"context"
	"encoding/json"
	"sort"

	"github.com/giantswarm/mcp-oauth-store/storage"
)

// ============================================================
// ClientStore Implementation
// ============================================================

// CreateClient registers a client. Client keys carry no TTL.
func (s *Store) CreateClient(ctx context.Context, client *storage.Client) (err error) {
	ctx, done := s.track(ctx, "create_client")
	defer done(&err)
	rec, err := storage.PrepareClient(client, s.now())
	if err != nil {
		return err
	}
	c, err := s.ready()
	if err != nil {
		return err
	}
	data, err := marshal(toClientJSON(rec))
	if err != nil {
		return err
	}
	if err = s.setNX(ctx, c, storage.EntityClient, s.key(storage.EntityClient, rec.ClientID), data, 0); err != nil {
		return err
	}

	s.logger.Info("Registered client",
		"client_id", rec.ClientID,
		"client_type", rec.ClientType)
	return nil
}

// GetClient returns storage.ErrNotFound for unknown clients.
func (s *Store) GetClient(ctx context.Context, clientID string) (_ *storage.Client, err error) {
	ctx, done := s.track(ctx, "get_client")
	defer done(&err)
	if err = storage.ValidateKey(clientID); err != nil {
		return nil, err
	}
	c, err := s.ready()
	if err != nil {
		return nil, err
	}
	return getAndUnmarshal(ctx, s, c, storage.EntityClient, s.key(storage.EntityClient, clientID), fromClientJSON)
}

// DeleteClient reports whether a client was removed. Its tokens are left in
// place; use DeleteTokensByClient for full revocation.
func (s *Store) DeleteClient(ctx context.Context, clientID string) (_ bool, err error) {
	ctx, done := s.track(ctx, "delete_client")
	defer done(&err)
	if err = storage.ValidateKey(clientID); err != nil {
		return false, err
	}
	c, err := s.ready()
	if err != nil {
		return false, err
	}

	deleted, err := s.del(ctx, c, storage.EntityClient, s.key(storage.EntityClient, clientID))
	if err == nil && deleted {
		s.logger.Info("Deleted client", "client_id", clientID)
	}
	return deleted, err
}

// ListClients scans the client namespace and returns every client ordered by
// client ID. It is O(keyspace) and not meant for request paths.
func (s *Store) ListClients(ctx context.Context) (_ []*storage.Client, err error) {
	ctx, done := s.track(ctx, "list_clients")
	defer done(&err)
	c, err := s.ready()
	if err != nil {
		return nil, err
	}

	// SCAN can return the same key in more than one batch
	clientMap := make(map[string]*storage.Client)

	err = s.scan(ctx, c, s.pattern(storage.EntityClient), func(keys []string) error {
		values, err := s.getMany(ctx, c, keys)
		if err != nil {
			return err
		}
		for key, data := range values {
			var j clientJSON
			if err := json.Unmarshal([]byte(data), &j); err != nil {
				s.logger.Warn("Failed to unmarshal client, skipping",
					"key", key,
					"error", err)
				continue
			}
			clientMap[key] = fromClientJSON(&j)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	clients := make([]*storage.Client, 0, len(clientMap))
	for _, cl := range clientMap {
		clients = append(clients, cl)
	}
	sort.Slice(clients, func(i, j int) bool { return clients[i].ClientID < clients[j].ClientID })
	return clients, nil
}

// ValidateClientSecret validates a client's secret using bcrypt
func (s *Store) ValidateClientSecret(ctx context.Context, clientID, clientSecret string) error {
	client, err := s.GetClient(ctx, clientID)
	return storage.CheckClientSecret(client, err, clientSecret)
}
