// Package db embeds the database schema.
package db

import _ "embed"

// Schema contains the DDL for orders, payments, notifications and API keys.
// Every statement is idempotent.
//
//go:embed migrations/001_schema.sql
var Schema string
