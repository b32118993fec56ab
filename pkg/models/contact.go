package models

import "time"

// MessageType is the kind of a WhatsApp message.
type MessageType string

const (
	MessageTypeText        MessageType = "text"
	MessageTypeImage       MessageType = "image"
	MessageTypeVideo       MessageType = "video"
	MessageTypeDocument    MessageType = "document"
	MessageTypeAudio       MessageType = "audio"
	MessageTypeSticker     MessageType = "sticker"
	MessageTypeLocation    MessageType = "location"
	MessageTypeContact     MessageType = "contact"
	MessageTypeTemplate    MessageType = "template"
	MessageTypeInteractive MessageType = "interactive"
)

// Valid reports whether the message type is known.
func (t MessageType) Valid() bool {
	switch t {
	case MessageTypeText, MessageTypeImage, MessageTypeVideo, MessageTypeDocument, MessageTypeAudio,
		MessageTypeSticker, MessageTypeLocation, MessageTypeContact, MessageTypeTemplate, MessageTypeInteractive:
		return true
	default:
		return false
	}
}

// Contact is the CRM contact a conversation belongs to. It is resolved by the
// caller and passed to the engine read-only.
type Contact struct {
	ID                 string            `json:"id"                             yaml:"id"                             validate:"required"`
	TenantID           string            `json:"tenant_id"                      yaml:"tenant_id"`
	PhoneNumber        string            `json:"phone_number"                   yaml:"phone_number"`
	Name               string            `json:"name,omitempty"                 yaml:"name,omitempty"`
	ProfileName        string            `json:"profile_name,omitempty"         yaml:"profile_name,omitempty"`
	Labels             []string          `json:"labels,omitempty"               yaml:"labels,omitempty"`
	CustomFields       map[string]string `json:"custom_fields,omitempty"        yaml:"custom_fields,omitempty"`
	VariantFieldValues map[string]string `json:"variant_field_values,omitempty" yaml:"variant_field_values,omitempty"`
	// HiddenVariantFields lists the variant fields the tenant has not made
	// available in flows. Their values stay on the contact but never reach
	// conditions or templates.
	HiddenVariantFields []string `json:"hidden_variant_fields,omitempty" yaml:"hidden_variant_fields,omitempty"`
}

// VariantAvailable reports whether the variant field key may be read by flows.
func (c *Contact) VariantAvailable(key string) bool {
	if c == nil {
		return false
	}

	for _, hidden := range c.HiddenVariantFields {
		if hidden == key {
			return false
		}
	}

	return true
}

// VariantValue returns the variant field value for key when flows may read it.
func (c *Contact) VariantValue(key string) (string, bool) {
	if c == nil || c.VariantFieldValues == nil || !c.VariantAvailable(key) {
		return "", false
	}

	v, ok := c.VariantFieldValues[key]

	return v, ok
}

// HasLabel reports whether the contact carries the given label.
func (c *Contact) HasLabel(label string) bool {
	if c == nil {
		return false
	}

	for _, l := range c.Labels {
		if l == label {
			return true
		}
	}

	return false
}

// InboundEvent is a message received from a contact.
type InboundEvent struct {
	ID          string         `json:"id"                yaml:"id"`
	TenantID    string         `json:"tenant_id"         yaml:"tenant_id"   validate:"required"`
	ContactID   string         `json:"contact_id"        yaml:"contact_id"  validate:"required"`
	MessageType MessageType    `json:"message_type"      yaml:"message_type"`
	Content     map[string]any `json:"content"           yaml:"content"`
	ReceivedAt  time.Time      `json:"received_at"       yaml:"received_at"`
	Contact     *Contact       `json:"contact,omitempty" yaml:"contact,omitempty"`
}

// Text returns content.text, or an empty string when the message has no text body.
func (e *InboundEvent) Text() string {
	if e == nil || e.Content == nil {
		return ""
	}

	text, _ := e.Content["text"].(string)

	return text
}
