// Package postgres implements the store on PostgreSQL using pgx/v5 and raw
// SQL. Leasing uses FOR UPDATE SKIP LOCKED so concurrent workers never
// claim the same row; every other transition is an UPDATE conditional on
// the lease token or on the expected schedule fire time. Migrations are
// embedded SQL files applied in filename order.
package postgres
