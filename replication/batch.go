package replication

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/boypt/simple-spider/shared"
	"github.com/boypt/simple-spider/storage"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ErrMalformedBatch rejects a whole batch from a peer. Nothing of it is
// applied.
var ErrMalformedBatch = errors.New("malformed batch")

const maxBatchBody = 32 << 20

// Batch is one page of the /changes feed.
type Batch struct {
	Records []*shared.Torrent `json:"records"`
	// Cursor is the position after the last record, or the request
	// position when the page is empty.
	Cursor string `json:"cursor"`
	More   bool   `json:"more"`
	// Count is the total number of records held by the server.
	Count int `json:"count"`
}

// Info is served at /info.
type Info struct {
	Version string `json:"version"`
	Count   int    `json:"count"`
}

type peerList struct {
	Peers []string `json:"peers"`
}

const batchSchemaURL = "simple-spider://batch.schema.json"

const batchSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["records", "cursor", "more"],
  "properties": {
    "records": {
      "type": ["array", "null"],
      "items": {"$ref": "#/definitions/record"}
    },
    "cursor": {"type": "string"},
    "more": {"type": "boolean"},
    "count": {"type": "integer", "minimum": 0}
  },
  "definitions": {
    "file": {
      "type": "object",
      "required": ["path", "size"],
      "properties": {
        "path": {"type": "string"},
        "size": {"type": "integer", "minimum": 0}
      }
    },
    "record": {
      "type": "object",
      "required": ["infoHash", "name", "size", "files"],
      "properties": {
        "infoHash": {"type": "string", "pattern": "^([0-9a-f]{40}|[0-9a-f]{64})$"},
        "name": {"type": "string"},
        "size": {"type": "integer", "minimum": 0},
        "pieceLength": {"type": "integer", "minimum": 0},
        "files": {
          "type": ["array", "null"],
          "items": {"$ref": "#/definitions/file"}
        },
        "category": {"enum": ["video", "audio", "image", "book", "app", "archive", "disc", "other", ""]},
        "seeders": {"type": "integer", "minimum": 0},
        "leechers": {"type": "integer", "minimum": 0},
        "addedAt": {"type": "string"},
        "lastTrackerCheck": {"type": "string"},
        "updatedAt": {"type": "string"},
        "source": {"type": "string"},
        "trackers": {
          "type": ["array", "null"],
          "items": {"type": "string"}
        }
      }
    }
  }
}`

var schema = compileSchema()

func compileSchema() *jsonschema.Schema {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(batchSchemaURL, strings.NewReader(batchSchema)); err != nil {
		panic(err)
	}
	s, err := compiler.Compile(batchSchemaURL)
	if err != nil {
		panic(err)
	}
	return s
}

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformedBatch, fmt.Sprintf(format, args...))
}

// decodeBatch reads and checks a batch requested from position after. Any
// failure returns ErrMalformedBatch.
func decodeBatch(r io.Reader, after storage.Cursor) (*Batch, storage.Cursor, error) {
	data, err := io.ReadAll(io.LimitReader(r, maxBatchBody+1))
	if err != nil {
		return nil, after, err
	}
	if len(data) > maxBatchBody {
		return nil, after, malformed("body larger than %d bytes", maxBatchBody)
	}
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, after, malformed("%v", err)
	}
	if err := schema.Validate(doc); err != nil {
		return nil, after, malformed("%v", err)
	}
	b := &Batch{}
	if err := json.Unmarshal(data, b); err != nil {
		return nil, after, malformed("%v", err)
	}
	next, err := storage.ParseCursor(b.Cursor)
	if err != nil {
		return nil, after, malformed("%v", err)
	}
	prev := after
	seen := make(map[shared.InfoHash]struct{}, len(b.Records))
	for i, t := range b.Records {
		if t == nil {
			return nil, after, malformed("record %d is null", i)
		}
		if _, dup := seen[t.InfoHash]; dup {
			return nil, after, malformed("record %d: duplicate %s", i, t.InfoHash)
		}
		seen[t.InfoHash] = struct{}{}
		if len(t.Files) > 0 && t.FileSizeSum() != t.Size {
			return nil, after, malformed("record %d: files sum to %d, size is %d", i, t.FileSizeSum(), t.Size)
		}
		c := storage.CursorOf(t)
		if !prev.Less(c) {
			return nil, after, malformed("record %d: out of order", i)
		}
		prev = c
	}
	if len(b.Records) == 0 {
		return b, after, nil
	}
	if next.Less(prev) || prev.Less(next) {
		return nil, after, malformed("cursor %q does not match the last record", b.Cursor)
	}
	return b, next, nil
}
