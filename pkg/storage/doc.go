// Package storage provides the GORM-backed job store and credit ledger.
package storage
