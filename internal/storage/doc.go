// Package storage provides the key-value persistence used for result history.
//
// Drivers:
//   - "memory": process-local map, lost on exit
//   - "file":   snapshot + append-only journal next to Path
//   - "sqlite": single-table SQLite database (pure Go driver)
package storage
