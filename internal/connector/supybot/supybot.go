// Package supybot maps archived IRC messages collected by a Supybot
// logger to enriched documents.
package supybot

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/assadOW2/grimoirelab-elk/internal/enrich"
	"github.com/assadOW2/grimoirelab-elk/internal/identity"
)

const RoleNick = "nick"

// message is the payload of one archived IRC message.
type message struct {
	Nick      *string `json:"nick"`
	Body      *string `json:"body"`
	Type      *string `json:"type"`
	Timestamp *string `json:"timestamp"`
}

// Connector implements enrich.Connector for Supybot IRC logs.
type Connector struct{}

// New creates a Supybot connector.
func New() *Connector {
	return &Connector{}
}

func (c *Connector) Backend() string {
	return "supybot"
}

func (c *Connector) Roles() []string {
	return []string{RoleNick}
}

func (c *Connector) AuthorRole() string {
	return RoleNick
}

func (c *Connector) SchemaFragment() map[string]enrich.FieldType {
	return map[string]enrich.FieldType{
		"body_analyzed": enrich.TypeText,
	}
}

// Identities returns the message nick as both username and name; IRC
// carries no email.
func (c *Connector) Identities(item enrich.RawItem) map[string]identity.Descriptor {
	var msg message
	if err := json.Unmarshal(item.Data, &msg); err != nil {
		return nil
	}
	if msg.Nick == nil || *msg.Nick == "" {
		return nil
	}
	return map[string]identity.Descriptor{
		RoleNick: {Username: msg.Nick, Name: msg.Nick},
	}
}

// Rich flattens one IRC message.
func (c *Connector) Rich(item enrich.RawItem, resolved map[string]identity.Canonical) (enrich.Document, error) {
	var msg message
	if err := json.Unmarshal(item.Data, &msg); err != nil {
		return nil, fmt.Errorf("decoding supybot payload: %w", err)
	}
	if msg.Timestamp == nil {
		return nil, fmt.Errorf("supybot item %s has no timestamp", item.UUID)
	}
	sent, ok := enrich.ParseRawTime(*msg.Timestamp)
	if !ok {
		return nil, fmt.Errorf("supybot item %s: unparseable timestamp %q", item.UUID, *msg.Timestamp)
	}

	doc := enrich.Document{
		"nick":          derefStr(msg.Nick),
		"body":          derefStr(msg.Body),
		"type":          derefStr(msg.Type),
		"body_analyzed": derefStr(msg.Body),
	}
	doc["sent_date"] = sent.UTC().Format(time.RFC3339)
	doc["update_date"] = item.MetadataUpdatedOn.UTC().Format(time.RFC3339)
	doc["channel"] = item.Origin
	doc["is_supybot_message"] = 1
	doc[enrich.FieldCreationDate] = sent.UTC().Format(time.RFC3339)
	return doc, nil
}

func derefStr(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}
