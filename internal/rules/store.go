package rules

import (
	"encoding/json"
	"fmt"

	"firewalld/internal/store"
)

// RowSource matches internal/store.Store's rule-listing surface, kept as a
// narrow interface so the rule engine depends only on the method it needs.
type RowSource interface {
	ListEnabledFirewallRules() ([]store.FirewallRuleRow, error)
}

// RelationalStore adapts a RowSource into rules.Store.
type RelationalStore struct {
	rows RowSource
}

// NewRelationalStore builds a rules.Store backed by the relational store.
func NewRelationalStore(rows RowSource) *RelationalStore {
	return &RelationalStore{rows: rows}
}

func (s *RelationalStore) Load() ([]Rule, error) {
	rows, err := s.rows.ListEnabledFirewallRules()
	if err != nil {
		return nil, err
	}

	out := make([]Rule, 0, len(rows))
	for _, row := range rows {
		var conds []Condition
		if err := json.Unmarshal(row.Conditions, &conds); err != nil {
			return nil, fmt.Errorf("decoding conditions for rule %s: %w", row.ID, err)
		}
		var action Action
		if err := json.Unmarshal(row.Action, &action); err != nil {
			return nil, fmt.Errorf("decoding action for rule %s: %w", row.ID, err)
		}
		out = append(out, Rule{
			ID:          row.ID,
			Name:        row.Name,
			Description: row.Description,
			Kind:        Kind(row.Type),
			Priority:    row.Priority,
			Enabled:     row.Enabled,
			Conditions:  conds,
			Action:      action,
		})
	}
	return out, nil
}
