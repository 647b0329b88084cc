// Package mysql provides data access helpers backed by MySQL. It
// encapsulates connection pooling, embedded schema migrations, and the
// persistent operator store used by the authentication service.
package mysql
