// Package mongodb provides a storage.Store backend on MongoDB.
//
// # Collections
//
// Each entity has its own collection, optionally prefixed with
// Config.CollectionPrefix:
//
//	oauth_access_tokens   {_id: token, client_id, ..., expires_at}
//	oauth_refresh_tokens  {_id: token, access_token, ..., expires_at}
//	oauth_auth_codes      {_id: code, ..., used, expires_at}
//	oauth_clients         {_id: client_id, ...}            no expiry
//	oauth_health          {_id: uuid, value, expires_at}
//
// A TTL index on expires_at (expireAfterSeconds: 0) removes expired documents.
// The TTL monitor runs about once a minute, so reads, deletes and counts also
// filter on expires_at > now, and creates replace an expired document that is
// still present.
//
// # Atomic Operations
//
//   - Creates rely on the unique _id; a live duplicate fails with
//     storage.ErrAlreadyExists.
//   - MarkAuthorizationCodeUsed is one conditional update on {used: false}.
//   - Transactions run in a session with WithTransaction and need a replica
//     set (a single-node replica set is enough).
//
// # Configuration
//
//	store, err := mongodb.New(mongodb.Config{
//	    URI:      "mongodb://localhost:27017/?replicaSet=rs0",
//	    Database: "mcp_oauth",
//	})
//	if err != nil {
//	    return err
//	}
//	if err := store.Connect(ctx); err != nil {
//	    return err
//	}
//	defer store.Disconnect(ctx)
//
// Driver commands are traced through otelmongo using the tracer provider from
// SetInstrumentation, if one is set before Connect.
package mongodb
