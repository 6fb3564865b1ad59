package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	shopsync "github.com/overhaulhq/shopsync/internal/sync"
	"github.com/overhaulhq/shopsync/internal/types"
)

// changeRequestLabel resolves a human-readable label for the row a change
// request targets, so moderators see "engine 8TD-0412" instead of a UUID.
// Falls back to the row id when nothing better is available.
func (s *SQLiteStore) changeRequestLabel(ctx context.Context, cr *types.ChangeRequest) string {
	row := make(map[string]any)
	if len(cr.AfterJSON) > 0 {
		_ = json.Unmarshal(cr.AfterJSON, &row)
	}

	switch cr.TableName {
	case shopsync.TableEntities:
		if label, err := s.ResolveEntityLabel(ctx, cr.RowID); err == nil && label != "" {
			return label
		}
	case shopsync.TableAttributeValues, shopsync.TableOperations:
		if entityID, _ := row["entity_id"].(string); entityID != "" {
			if label, err := s.ResolveEntityLabel(ctx, entityID); err == nil && label != "" {
				return label
			}
		}
	case shopsync.TableEntityTypes, shopsync.TableAttributeDefs:
		if name, _ := row["name"].(string); name != "" {
			return name
		}
		if code, _ := row["code"].(string); code != "" {
			return code
		}
	}
	return cr.RowID
}

// ResolveEntityLabel builds the display label for an entity from its live
// attribute values, per the label rule registered for its type. Returns ""
// when the type has no rule or no candidate group has values.
func (s *SQLiteStore) ResolveEntityLabel(ctx context.Context, entityID string) (string, error) {
	var typeCode string
	err := s.db.QueryRowContext(ctx, `
		SELECT et.code
		FROM entities e
		JOIN entity_types et ON et.id = e.entity_type_id
		WHERE e.id = ?
	`, entityID).Scan(&typeCode)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("entity %s: %w", entityID, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("resolve entity type: %w", err)
	}

	rule, ok := s.registry.LabelRuleFor(typeCode)
	if !ok {
		return "", nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT ad.code, av.value_json
		FROM attribute_values av
		JOIN attribute_defs ad ON ad.id = av.attribute_def_id
		WHERE av.entity_id = ? AND av.deleted_at IS NULL AND ad.deleted_at IS NULL
	`, entityID)
	if err != nil {
		return "", fmt.Errorf("load attribute values: %w", err)
	}
	defer rows.Close()

	values := make(map[string]string)
	for rows.Next() {
		var code string
		var valueJSON sql.NullString
		if err := rows.Scan(&code, &valueJSON); err != nil {
			return "", fmt.Errorf("scan attribute value: %w", err)
		}
		if valueJSON.Valid {
			values[code] = attributeDisplayValue(valueJSON.String)
		}
	}
	if err := rows.Err(); err != nil {
		return "", err
	}

	for _, group := range rule.Groups {
		parts := make([]string, 0, len(group))
		for _, code := range group {
			if v := values[code]; v != "" {
				parts = append(parts, v)
			}
		}
		if len(parts) > 0 {
			return strings.Join(parts, " "), nil
		}
	}
	return "", nil
}

// attributeDisplayValue renders a stored value_json for display.
func attributeDisplayValue(valueJSON string) string {
	var v any
	if err := json.Unmarshal([]byte(valueJSON), &v); err != nil {
		return valueJSON
	}
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	case nil:
		return ""
	default:
		return valueJSON
	}
}
