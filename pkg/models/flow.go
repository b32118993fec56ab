// Package models defines the core domain models for chat-flow automation.
package models

import (
	"sort"
	"time"
)

// Flow is a named, versioned automation definition owned by one tenant.
type Flow struct {
	ID          string    `json:"id"                    yaml:"id"`
	TenantID    string    `json:"tenant_id"             yaml:"tenant_id"     validate:"required"`
	Name        string    `json:"name"                  yaml:"name"          validate:"required,min=3"`
	Description string    `json:"description,omitempty" yaml:"description,omitempty"`
	Version     int       `json:"version"               yaml:"version"`
	Active      bool      `json:"active"                yaml:"active"`
	Trigger     []Clause  `json:"trigger"               yaml:"trigger"       validate:"dive"`
	Nodes       NodeSet   `json:"nodes"                 yaml:"nodes"`
	EntryNodeID string    `json:"entry_node_id"         yaml:"entry_node_id" validate:"required"`
	CreatedAt   time.Time `json:"created_at"            yaml:"created_at,omitempty"`
	UpdatedAt   time.Time `json:"updated_at"            yaml:"updated_at,omitempty"`
}

// Node returns the node with the given id, or false when it does not exist.
func (f *Flow) Node(id string) (Node, bool) {
	if f == nil || f.Nodes == nil {
		return nil, false
	}

	node, ok := f.Nodes[id]

	return node, ok
}

// SortFlows orders flows by creation time, then id, which is the definition order
// used whenever more than one flow is reported.
func SortFlows(flows []*Flow) {
	sort.SliceStable(flows, func(i, j int) bool {
		if !flows[i].CreatedAt.Equal(flows[j].CreatedAt) {
			return flows[i].CreatedAt.Before(flows[j].CreatedAt)
		}

		return flows[i].ID < flows[j].ID
	})
}

// Match is a flow whose trigger fired for an inbound event.
type Match struct {
	Flow        *Flow  `json:"flow"`
	EntryNodeID string `json:"entry_node_id"`
}
