// Package postgres provides the PostgreSQL-backed entity store and the
// embedded goose migrations for its schema.
//
// WriteIfVersion locks the target row with SELECT ... FOR UPDATE and issues a
// version-guarded UPDATE, so concurrent writers on other nodes serialize at the
// database. Team members are stored as a JSONB array.
package postgres
