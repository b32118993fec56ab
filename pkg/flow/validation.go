package flow

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/dukex/chatflow/pkg/models"
)

var (
	ErrUnknownOperator    = errors.New("unknown operator")
	ErrEmptyField         = errors.New("clause field is empty")
	ErrNegativeTimeout    = errors.New("timeout must not be negative")
	ErrTimeoutTooLarge    = errors.New("timeout is too large")
	ErrEmptyNodeID        = errors.New("node id is empty")
	ErrInvalidMessageType = errors.New("invalid message type")
)

// ValidationReport lists definition errors, which reject a flow, and warnings,
// which do not.
type ValidationReport struct {
	Errors   []error  `json:"-"`
	Warnings []string `json:"warnings"`
}

// Valid reports whether no errors were found.
func (r ValidationReport) Valid() bool {
	return len(r.Errors) == 0
}

// Err joins all errors, or returns nil.
func (r ValidationReport) Err() error {
	return errors.Join(r.Errors...)
}

// ErrorMessages returns the error strings, for API responses.
func (r ValidationReport) ErrorMessages() []string {
	messages := make([]string, 0, len(r.Errors))
	for _, err := range r.Errors {
		messages = append(messages, err.Error())
	}

	return messages
}

func (r *ValidationReport) errorf(format string, args ...any) {
	r.Errors = append(r.Errors, fmt.Errorf(format, args...))
}

func (r *ValidationReport) warnf(format string, args ...any) {
	r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
}

// Validate checks a flow definition. Every reference must point to an existing
// node and the entry node must exist. Cycles are reported as warnings: a loop
// through a WaitForReply node is a legitimate reminder loop, and loops without
// one are stopped at runtime by the step bound.
func Validate(flow *models.Flow) ValidationReport {
	var report ValidationReport

	if flow == nil {
		report.errorf("%w: flow is nil", ErrInvalidFlow)

		return report
	}

	if flow.EntryNodeID == "" {
		report.errorf("%w: entry_node_id is empty", ErrMissingEntryNode)
	} else if _, ok := flow.Nodes[flow.EntryNodeID]; !ok {
		report.errorf("%w: %q", ErrMissingEntryNode, flow.EntryNodeID)
	}

	validateClauses(&report, "trigger", flow.Trigger)

	for _, id := range flow.Nodes.IDs() {
		node := flow.Nodes[id]

		if id == "" {
			report.errorf("%w", ErrEmptyNodeID)

			continue
		}

		if models.IsNil(node) {
			report.errorf("%w: node %q is nil", ErrUnknownNodeType, id)

			continue
		}

		if node.NodeID() != "" && node.NodeID() != id {
			report.warnf("node %q declares id %q; the key is used", id, node.NodeID())
		}

		for _, edge := range node.Edges() {
			if edge.Target == "" {
				continue
			}

			if _, ok := flow.Nodes[edge.Target]; !ok {
				report.errorf("%w: node %q %s points to %q", ErrDanglingReference, id, edge.Name, edge.Target)
			}
		}

		switch n := node.(type) {
		case *models.SendMessageNode:
			if n.MessageType != "" && !n.MessageType.Valid() {
				report.errorf("%w: node %q has %q", ErrInvalidMessageType, id, n.MessageType)
			}
		case *models.ConditionNode:
			validateClauses(&report, fmt.Sprintf("node %q", id), n.Clauses)
		case *models.WaitForReplyNode:
			if n.TimeoutSeconds < 0 {
				report.errorf("%w: node %q has %d", ErrNegativeTimeout, id, n.TimeoutSeconds)
			} else if int64(n.TimeoutSeconds) > MaxTimeoutSeconds {
				report.errorf("%w: node %q has %d seconds, the limit is %d",
					ErrTimeoutTooLarge, id, n.TimeoutSeconds, MaxTimeoutSeconds)
			} else if n.TimeoutSeconds == 0 {
				report.warnf("node %q times out immediately", id)
			}
		}
	}

	for _, cycle := range findCycles(flow.Nodes) {
		if cycleWaits(flow.Nodes, cycle) {
			report.warnf("cycle %s passes through a wait_for_reply node", strings.Join(cycle, " -> "))
		} else {
			report.warnf("cycle %s has no wait_for_reply node and will stop at the step limit", strings.Join(cycle, " -> "))
		}
	}

	if _, ok := flow.Nodes[flow.EntryNodeID]; ok {
		reached := reachable(flow.Nodes, flow.EntryNodeID)

		for _, id := range flow.Nodes.IDs() {
			if !reached[id] {
				report.warnf("node %q is unreachable from the entry node", id)
			}
		}
	}

	return report
}

func validateClauses(report *ValidationReport, owner string, clauses []models.Clause) {
	for i, clause := range clauses {
		if clause.Field == "" {
			report.errorf("%w: %s clause %d", ErrEmptyField, owner, i)
		}

		op, ok := models.ParseOperator(string(clause.Operator))
		if !ok || !op.Valid() {
			report.errorf("%w: %s clause %d has %q", ErrUnknownOperator, owner, i, clause.Operator)
		}
	}
}

func successors(nodes models.NodeSet, id string) []string {
	node := nodes[id]
	if models.IsNil(node) {
		return nil
	}

	var next []string

	for _, edge := range node.Edges() {
		if edge.Target == "" {
			continue
		}

		if _, ok := nodes[edge.Target]; ok && !slices.Contains(next, edge.Target) {
			next = append(next, edge.Target)
		}
	}

	return next
}

func reachable(nodes models.NodeSet, entry string) map[string]bool {
	seen := map[string]bool{entry: true}
	queue := []string{entry}

	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]

		for _, next := range successors(nodes, id) {
			if !seen[next] {
				seen[next] = true
				queue = append(queue, next)
			}
		}
	}

	return seen
}

// findCycles runs a DFS over every edge and returns each distinct elementary
// cycle closed by a back edge, rotated to start at its smallest node id.
func findCycles(nodes models.NodeSet) [][]string {
	const (
		white = iota
		grey
		black
	)

	color := make(map[string]int, len(nodes))
	seen := map[string]bool{}

	var (
		stack  []string
		cycles [][]string
		visit  func(id string)
	)

	visit = func(id string) {
		color[id] = grey
		stack = append(stack, id)

		for _, next := range successors(nodes, id) {
			switch color[next] {
			case white:
				visit(next)
			case grey:
				start := slices.Index(stack, next)
				cycle := canonicalCycle(stack[start:])

				key := strings.Join(cycle, "\x00")
				if !seen[key] {
					seen[key] = true
					cycles = append(cycles, cycle)
				}
			}
		}

		stack = stack[:len(stack)-1]
		color[id] = black
	}

	for _, id := range nodes.IDs() {
		if color[id] == white {
			visit(id)
		}
	}

	return cycles
}

func canonicalCycle(path []string) []string {
	minIdx := 0
	for i, id := range path {
		if id < path[minIdx] {
			minIdx = i
		}
	}

	cycle := make([]string, 0, len(path)+1)
	cycle = append(cycle, path[minIdx:]...)
	cycle = append(cycle, path[:minIdx]...)

	return append(cycle, cycle[0])
}

func cycleWaits(nodes models.NodeSet, cycle []string) bool {
	for _, id := range cycle {
		if _, ok := nodes[id].(*models.WaitForReplyNode); ok {
			return true
		}
	}

	return false
}
