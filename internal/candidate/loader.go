package candidate

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"

	"github.com/mitchellh/mapstructure"
	"github.com/xeipuuv/gojsonschema"
)

// ErrInvalidRecord is returned when a candidate file does not match the record schema.
var ErrInvalidRecord = errors.New("invalid candidate record")

//go:embed schema.json
var recordSchema string

var (
	schemaOnce sync.Once
	schema     *gojsonschema.Schema
	schemaErr  error
)

func compiledSchema() (*gojsonschema.Schema, error) {
	schemaOnce.Do(func() {
		schema, schemaErr = gojsonschema.NewSchema(gojsonschema.NewStringLoader(recordSchema))
	})
	return schema, schemaErr
}

// LoadDir reads every *.json file below dir. Files in a sub-directory get that
// directory as their category and "category/name" as id, unless the file
// carries its own id. Hidden entries are skipped.
func LoadDir(dir string) (Records, error) {
	var records Records

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if path != dir && strings.HasPrefix(d.Name(), ".") {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		if d.IsDir() || !strings.EqualFold(filepath.Ext(path), ".json") {
			return nil
		}

		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)

		category := ""
		if idx := strings.Index(rel, "/"); idx != -1 {
			category = rel[:idx]
		}

		rec, err := LoadFile(path)
		if err != nil {
			return err
		}

		if rec.ID == "" {
			rec.ID = strings.TrimSuffix(rel, filepath.Ext(rel))
		}
		if rec.Category == "" {
			rec.Category = category
		}

		records = append(records, rec)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("loading candidates from %s: %w", dir, err)
	}

	return records, nil
}

// LoadFile reads a single candidate file. The id is left empty when the file
// does not define one.
func LoadFile(path string) (Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Record{}, err
	}

	rec, err := Decode(data)
	if err != nil {
		return Record{}, fmt.Errorf("%s: %w", path, err)
	}

	return rec, nil
}

// Decode validates raw JSON against the record schema and decodes it. Numbers
// given as strings and evidence given as {"text": ...} objects are accepted.
func Decode(data []byte) (Record, error) {
	s, err := compiledSchema()
	if err != nil {
		return Record{}, fmt.Errorf("compiling record schema: %w", err)
	}

	result, err := s.Validate(gojsonschema.NewBytesLoader(data))
	if err != nil {
		return Record{}, fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}

	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			field := desc.Field()
			if field == "" {
				field = "(root)"
			}
			msgs = append(msgs, fmt.Sprintf("%s: %s", field, desc.Description()))
		}
		return Record{}, fmt.Errorf("%w: %s", ErrInvalidRecord, strings.Join(msgs, "; "))
	}

	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return Record{}, fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}

	var rec Record
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       evidenceTextHook,
		WeaklyTypedInput: true,
		Result:           &rec,
	})
	if err != nil {
		return Record{}, err
	}

	if err := decoder.Decode(raw); err != nil {
		return Record{}, fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}

	rec.ID = strings.TrimSpace(rec.ID)

	return rec, nil
}

// evidenceTextHook flattens {"text": "..."} evidence objects into their text.
func evidenceTextHook(from reflect.Type, to reflect.Type, data any) (any, error) {
	if from.Kind() != reflect.Map || to.Kind() != reflect.String {
		return data, nil
	}

	m, ok := data.(map[string]any)
	if !ok {
		return data, nil
	}

	text, _ := m["text"].(string)
	return text, nil
}
