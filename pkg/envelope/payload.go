package envelope

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/Mindburn-Labs/beacon/pkg/event"
	"github.com/Mindburn-Labs/beacon/pkg/outcome"
)

// DecodePayload unmarshals an item according to its type: events and
// transactions to *event.Event, sessions to *event.SessionUpdate, client
// reports to *outcome.ClientReport. Any other type yields the raw bytes.
func DecodePayload(item *Item) (any, error) {
	var v any
	switch item.Header.Type {
	case TypeEvent, TypeTransaction:
		v = &event.Event{}
	case TypeSession:
		v = &event.SessionUpdate{}
	case TypeClientReport:
		v = &outcome.ClientReport{}
	default:
		return item.Payload, nil
	}
	if err := json.Unmarshal(item.Payload, v); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", item.Header.Type, err)
	}
	return v, nil
}

//go:embed schemas/*.schema.json
var schemaFS embed.FS

const schemaBaseURL = "https://beacon.schemas.local/envelope/"

var (
	schemasOnce sync.Once
	schemas     map[ItemType]*jsonschema.Schema
	schemasErr  error
)

func loadSchemas() {
	files := map[ItemType]string{
		TypeEvent:        "event",
		TypeTransaction:  "event",
		TypeSession:      "session",
		TypeClientReport: "client_report",
	}

	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	compiled := make(map[string]*jsonschema.Schema)
	schemas = make(map[ItemType]*jsonschema.Schema)

	for typ, name := range files {
		if s, ok := compiled[name]; ok {
			schemas[typ] = s
			continue
		}
		raw, err := schemaFS.ReadFile("schemas/" + name + ".schema.json")
		if err != nil {
			schemasErr = fmt.Errorf("envelope schema %s: %w", name, err)
			return
		}
		url := schemaBaseURL + name + ".schema.json"
		if err := c.AddResource(url, bytes.NewReader(raw)); err != nil {
			schemasErr = fmt.Errorf("envelope schema load failed: %w", err)
			return
		}
		s, err := c.Compile(url)
		if err != nil {
			schemasErr = fmt.Errorf("envelope schema compile failed: %w", err)
			return
		}
		compiled[name] = s
		schemas[typ] = s
	}
}

// Validate checks a structured item payload against its JSON Schema.
// Items without a schema, such as attachments, are always valid.
func Validate(item *Item) error {
	schemasOnce.Do(loadSchemas)
	if schemasErr != nil {
		return schemasErr
	}
	schema, ok := schemas[item.Header.Type]
	if !ok {
		return nil
	}

	var doc any
	if err := json.Unmarshal(item.Payload, &doc); err != nil {
		return fmt.Errorf("%s payload is not JSON: %w", item.Header.Type, err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("%s payload failed schema validation: %w", item.Header.Type, err)
	}
	return nil
}
