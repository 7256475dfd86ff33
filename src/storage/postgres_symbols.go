package storage

import (
	"fmt"
	"regexp"
	"time"
)

// Watchlist entries of the form schema.table.field name a Postgres column
// whose values are symbols.
var symbolRefRegex = regexp.MustCompile(`^(\w+)\.(\w+)\.(\w+)$`)

// SymbolMetadata is one row of the watchlist registry.
type SymbolMetadata struct {
	Symbol     string
	Type       string // "classic" or "postgres_ref"
	RefSchema  string
	RefTable   string
	RefField   string
	SourceName string
}

// -----------------------------------------------------------------------------

// ParseSymbolRef reports whether entry is a schema.table.field reference.
func ParseSymbolRef(entry string) (SymbolMetadata, bool) {
	m := symbolRefRegex.FindStringSubmatch(entry)
	if len(m) != 4 {
		return SymbolMetadata{}, false
	}
	return SymbolMetadata{
		Symbol:    entry,
		Type:      "postgres_ref",
		RefSchema: m[1],
		RefTable:  m[2],
		RefField:  m[3],
	}, true
}

// -----------------------------------------------------------------------------

// ResolveWatchlist expands table references into the symbols they hold,
// registers every entry and returns the plain symbols in input order.
func (d *PostgresDB) ResolveWatchlist(sourceName string, entries []string) ([]string, error) {
	var symbols []string
	var registry []SymbolMetadata

	for _, entry := range entries {
		ref, ok := ParseSymbolRef(entry)
		if !ok {
			symbols = append(symbols, entry)
			registry = append(registry, SymbolMetadata{Symbol: entry, Type: "classic", SourceName: sourceName})
			continue
		}

		ref.SourceName = sourceName
		registry = append(registry, ref)

		loaded, err := d.GetSymbolsFromTable(ref.RefSchema, ref.RefTable, ref.RefField)
		if err != nil {
			return symbols, fmt.Errorf("failed to load symbols from %s: %w", entry, err)
		}
		for _, s := range loaded {
			symbols = append(symbols, s)
			registry = append(registry, SymbolMetadata{Symbol: s, Type: "classic", SourceName: sourceName})
		}
	}

	if err := d.RegisterSymbols(registry); err != nil {
		return symbols, fmt.Errorf("failed to register symbols: %w", err)
	}
	return symbols, nil
}

// -----------------------------------------------------------------------------

func (d *PostgresDB) RegisterSymbols(symbols []SymbolMetadata) error {
	if len(symbols) == 0 {
		return nil
	}

	tx, err := d.DB.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	query := fmt.Sprintf(`
		INSERT INTO %s (symbol, type, ref_schema, ref_table, ref_field, source_name, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (symbol) DO UPDATE SET
			type = EXCLUDED.type,
			ref_schema = EXCLUDED.ref_schema,
			ref_table = EXCLUDED.ref_table,
			ref_field = EXCLUDED.ref_field,
			source_name = EXCLUDED.source_name,
			updated_at = EXCLUDED.updated_at
	`, d.table("symbols"))

	stmt, err := tx.Prepare(query)
	if err != nil {
		return err
	}
	defer stmt.Close()

	now := time.Now().UTC()
	for _, s := range symbols {
		if _, err := stmt.Exec(s.Symbol, s.Type, s.RefSchema, s.RefTable, s.RefField, s.SourceName, now); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// -----------------------------------------------------------------------------

// GetSymbolsFromTable reads non-empty values of one column. Identifiers come
// from symbolRefRegex (\w+ only) and are quoted.
func (d *PostgresDB) GetSymbolsFromTable(schema, table, field string) ([]string, error) {
	query := fmt.Sprintf(`SELECT DISTINCT "%s" FROM "%s"."%s" WHERE "%s" IS NOT NULL`, field, schema, table, field)

	rows, err := d.DB.Query(query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var symbols []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		if s != "" {
			symbols = append(symbols, s)
		}
	}
	return symbols, rows.Err()
}
