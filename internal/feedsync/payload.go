package feedsync

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const pushSchemaURL = "relayfeed://schemas/push-notification.json"

const pushSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "properties": {
    "id": {"type": ["integer", "null"], "minimum": 1},
    "title": {"type": ["string", "null"]},
    "body": {"type": ["string", "null"]},
    "createdAt": {"type": ["string", "null"]},
    "read": {"type": ["boolean", "null"]},
    "deepLink": {"type": ["string", "null"]},
    "actor": {
      "type": ["object", "null"],
      "properties": {
        "name": {"type": ["string", "null"]},
        "avatarUrl": {"type": ["string", "null"]},
        "email": {"type": ["string", "null"]}
      }
    }
  }
}`

var errMissingID = errors.New("payload has no id")

var pushSchema = sync.OnceValues(func() (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(pushSchemaJSON))
	if err != nil {
		return nil, err
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(pushSchemaURL, doc); err != nil {
		return nil, err
	}
	return compiler.Compile(pushSchemaURL)
})

type pushPayload struct {
	ID        *int64  `json:"id"`
	Title     *string `json:"title"`
	Body      *string `json:"body"`
	CreatedAt *string `json:"createdAt"`
	Read      *bool   `json:"read"`
	DeepLink  *string `json:"deepLink"`
	Actor     *struct {
		Name      *string `json:"name"`
		AvatarURL *string `json:"avatarUrl"`
		Email     *string `json:"email"`
	} `json:"actor"`
}

// DecodePushPayload converts one raw push message into an Item. Malformed
// payloads yield a *ParseError; a payload without an id yields errMissingID,
// which callers drop without logging.
func DecodePushPayload(raw []byte) (Item, error) {
	schema, err := pushSchema()
	if err != nil {
		return Item{}, fmt.Errorf("compile push schema: %w", err)
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return Item{}, &ParseError{Err: err}
	}
	if err := schema.Validate(doc); err != nil {
		return Item{}, &ParseError{Err: err}
	}

	var payload pushPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return Item{}, &ParseError{Err: err}
	}
	if payload.ID == nil {
		return Item{}, errMissingID
	}
	item := Item{
		ID:       *payload.ID,
		Title:    deref(payload.Title),
		Body:     deref(payload.Body),
		DeepLink: deref(payload.DeepLink),
	}
	if payload.Read != nil {
		item.Read = *payload.Read
	}
	if created := strings.TrimSpace(deref(payload.CreatedAt)); created != "" {
		ts, err := time.Parse(time.RFC3339, created)
		if err != nil {
			return Item{}, &ParseError{Err: err}
		}
		item.CreatedAt = ts
	}
	if payload.Actor != nil {
		actor := Actor{
			Name:      deref(payload.Actor.Name),
			AvatarURL: deref(payload.Actor.AvatarURL),
			Email:     deref(payload.Actor.Email),
		}
		if actor != (Actor{}) {
			item.Actor = &actor
		}
	}
	return item, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
