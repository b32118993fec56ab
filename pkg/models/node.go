package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"gopkg.in/yaml.v3"
)

// NodeType is the discriminator of the node variants.
type NodeType string

const (
	NodeTypeSendMessage  NodeType = "send_message"
	NodeTypeCondition    NodeType = "condition"
	NodeTypeWaitForReply NodeType = "wait_for_reply"
)

// ErrUnknownNodeType is returned when a node document carries a type outside the closed set.
var ErrUnknownNodeType = errors.New("unknown node type")

// Edge is a named outgoing reference of a node. An empty Target terminates the flow.
type Edge struct {
	Name   string
	Target string
}

// Node is one step of a flow graph. The set of implementations is closed:
// SendMessageNode, ConditionNode and WaitForReplyNode.
type Node interface {
	NodeID() string
	Type() NodeType
	Edges() []Edge
	sealed()
}

// SendMessageNode emits one outbound action and advances unconditionally.
type SendMessageNode struct {
	ID          string
	MessageType MessageType
	Content     map[string]any
	Next        string
}

func (n *SendMessageNode) NodeID() string {
	if n == nil {
		return ""
	}

	return n.ID
}

func (n *SendMessageNode) Type() NodeType { return NodeTypeSendMessage }

func (n *SendMessageNode) Edges() []Edge {
	if n == nil {
		return nil
	}

	return []Edge{{Name: "next", Target: n.Next}}
}

func (n *SendMessageNode) sealed() {}

// ConditionNode evaluates a conjunction of clauses and branches.
type ConditionNode struct {
	ID        string
	Clauses   []Clause
	TrueNext  string
	FalseNext string
}

func (n *ConditionNode) NodeID() string {
	if n == nil {
		return ""
	}

	return n.ID
}

func (n *ConditionNode) Type() NodeType { return NodeTypeCondition }

func (n *ConditionNode) Edges() []Edge {
	if n == nil {
		return nil
	}

	return []Edge{{Name: "true_next", Target: n.TrueNext}, {Name: "false_next", Target: n.FalseNext}}
}
func (n *ConditionNode) sealed() {}

// WaitForReplyNode suspends the instance until the contact replies or the timeout elapses.
type WaitForReplyNode struct {
	ID             string
	TimeoutSeconds int
	OnReplyNext    string
	OnTimeoutNext  string
}

func (n *WaitForReplyNode) NodeID() string {
	if n == nil {
		return ""
	}

	return n.ID
}

func (n *WaitForReplyNode) Type() NodeType { return NodeTypeWaitForReply }

func (n *WaitForReplyNode) Edges() []Edge {
	if n == nil {
		return nil
	}

	return []Edge{{Name: "on_reply_next", Target: n.OnReplyNext}, {Name: "on_timeout_next", Target: n.OnTimeoutNext}}
}
func (n *WaitForReplyNode) sealed() {}

// IsNil reports whether node is nil or a nil pointer to one of the variants.
// Flows built in code can carry such values; decoding never produces them.
func IsNil(node Node) bool {
	switch n := node.(type) {
	case nil:
		return true
	case *SendMessageNode:
		return n == nil
	case *ConditionNode:
		return n == nil
	case *WaitForReplyNode:
		return n == nil
	default:
		return false
	}
}

// NodeSet maps node ids to nodes. It is encoded as an object of node documents
// discriminated by their "type" field.
type NodeSet map[string]Node

// IDs returns the node ids in lexical order.
func (s NodeSet) IDs() []string {
	ids := make([]string, 0, len(s))
	for id := range s {
		ids = append(ids, id)
	}

	sort.Strings(ids)

	return ids
}

// nodeDocument is the wire shape shared by every node variant.
type nodeDocument struct {
	ID             string         `json:"id,omitempty"              yaml:"id,omitempty"`
	Type           NodeType       `json:"type"                      yaml:"type"`
	MessageType    MessageType    `json:"message_type,omitempty"    yaml:"message_type,omitempty"`
	Content        map[string]any `json:"content,omitempty"         yaml:"content,omitempty"`
	Next           string         `json:"next,omitempty"            yaml:"next,omitempty"`
	Clauses        []Clause       `json:"clauses,omitempty"         yaml:"clauses,omitempty"`
	TrueNext       string         `json:"true_next,omitempty"       yaml:"true_next,omitempty"`
	FalseNext      string         `json:"false_next,omitempty"      yaml:"false_next,omitempty"`
	TimeoutSeconds int            `json:"timeout_seconds,omitempty" yaml:"timeout_seconds,omitempty"`
	OnReplyNext    string         `json:"on_reply_next,omitempty"   yaml:"on_reply_next,omitempty"`
	OnTimeoutNext  string         `json:"on_timeout_next,omitempty" yaml:"on_timeout_next,omitempty"`
}

func toDocument(node Node) (nodeDocument, error) {
	if IsNil(node) {
		return nodeDocument{}, fmt.Errorf("%w: nil node", ErrUnknownNodeType)
	}

	switch n := node.(type) {
	case *SendMessageNode:
		return nodeDocument{
			ID:          n.ID,
			Type:        NodeTypeSendMessage,
			MessageType: n.MessageType,
			Content:     n.Content,
			Next:        n.Next,
		}, nil
	case *ConditionNode:
		return nodeDocument{
			ID:        n.ID,
			Type:      NodeTypeCondition,
			Clauses:   n.Clauses,
			TrueNext:  n.TrueNext,
			FalseNext: n.FalseNext,
		}, nil
	case *WaitForReplyNode:
		return nodeDocument{
			ID:             n.ID,
			Type:           NodeTypeWaitForReply,
			TimeoutSeconds: n.TimeoutSeconds,
			OnReplyNext:    n.OnReplyNext,
			OnTimeoutNext:  n.OnTimeoutNext,
		}, nil
	default:
		return nodeDocument{}, fmt.Errorf("%w: %T", ErrUnknownNodeType, node)
	}
}

func fromDocument(id string, doc nodeDocument) (Node, error) {
	switch doc.Type {
	case NodeTypeSendMessage:
		messageType := doc.MessageType
		if messageType == "" {
			messageType = MessageTypeText
		}

		return &SendMessageNode{ID: id, MessageType: messageType, Content: doc.Content, Next: doc.Next}, nil
	case NodeTypeCondition:
		return &ConditionNode{ID: id, Clauses: doc.Clauses, TrueNext: doc.TrueNext, FalseNext: doc.FalseNext}, nil
	case NodeTypeWaitForReply:
		return &WaitForReplyNode{
			ID:             id,
			TimeoutSeconds: doc.TimeoutSeconds,
			OnReplyNext:    doc.OnReplyNext,
			OnTimeoutNext:  doc.OnTimeoutNext,
		}, nil
	default:
		return nil, fmt.Errorf("%w %q for node %s", ErrUnknownNodeType, doc.Type, id)
	}
}

func (s NodeSet) documents() (map[string]nodeDocument, error) {
	docs := make(map[string]nodeDocument, len(s))

	for id, node := range s {
		doc, err := toDocument(node)
		if err != nil {
			return nil, fmt.Errorf("node %s: %w", id, err)
		}

		doc.ID = id
		docs[id] = doc
	}

	return docs, nil
}

func nodeSetFromDocuments(docs map[string]nodeDocument) (NodeSet, error) {
	set := make(NodeSet, len(docs))

	for id, doc := range docs {
		node, err := fromDocument(id, doc)
		if err != nil {
			return nil, err
		}

		set[id] = node
	}

	return set, nil
}

// MarshalJSON implements json.Marshaler.
func (s NodeSet) MarshalJSON() ([]byte, error) {
	docs, err := s.documents()
	if err != nil {
		return nil, err
	}

	return json.Marshal(docs)
}

// UnmarshalJSON implements json.Unmarshaler.
func (s *NodeSet) UnmarshalJSON(data []byte) error {
	var docs map[string]nodeDocument

	err := json.Unmarshal(data, &docs)
	if err != nil {
		return err
	}

	set, err := nodeSetFromDocuments(docs)
	if err != nil {
		return err
	}

	*s = set

	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (s NodeSet) MarshalYAML() (any, error) {
	return s.documents()
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (s *NodeSet) UnmarshalYAML(value *yaml.Node) error {
	var docs map[string]nodeDocument

	err := value.Decode(&docs)
	if err != nil {
		return err
	}

	set, err := nodeSetFromDocuments(docs)
	if err != nil {
		return err
	}

	*s = set

	return nil
}
