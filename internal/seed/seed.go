// Package seed loads YAML seed files describing batches of tasks and
// applies them to the store. Entries carrying a task_id are upserted so a
// seed file can be re-applied after edits without duplicating work; entries
// without one are created fresh each run.
package seed

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"

	"github.com/basket/agentfs/internal/persistence"
)

//go:embed schema.json
var schemaJSON []byte

// File is one parsed seed file.
type File struct {
	Domain    string      `yaml:"domain" json:"domain"`
	Project   string      `yaml:"project,omitempty" json:"project,omitempty"`
	CreatedBy string      `yaml:"created_by,omitempty" json:"created_by,omitempty"`
	Tasks     []TaskEntry `yaml:"tasks" json:"tasks"`
}

// TaskEntry is one task in a seed file. Payload is arbitrary YAML,
// re-serialized to JSON before storage.
type TaskEntry struct {
	TaskID      string   `yaml:"task_id,omitempty" json:"task_id,omitempty"`
	Title       string   `yaml:"title" json:"title"`
	Description string   `yaml:"description,omitempty" json:"description,omitempty"`
	Priority    *int     `yaml:"priority,omitempty" json:"priority,omitempty"`
	Payload     any      `yaml:"payload,omitempty" json:"payload,omitempty"`
	BlockedBy   []string `yaml:"blocked_by,omitempty" json:"blocked_by,omitempty"`
}

// Result summarizes one Apply run.
type Result struct {
	Path    string `json:"path"`
	Domain  string `json:"domain"`
	Created int    `json:"created"`
	Updated int    `json:"updated"`
}

var fileSchema = mustCompileSchema()

func mustCompileSchema() *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(schemaJSON))
	if err != nil {
		panic(fmt.Sprintf("seed: unmarshal embedded schema: %v", err))
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("seed.schema.json", doc); err != nil {
		panic(fmt.Sprintf("seed: add schema resource: %v", err))
	}
	schema, err := c.Compile("seed.schema.json")
	if err != nil {
		panic(fmt.Sprintf("seed: compile schema: %v", err))
	}
	return schema
}

// Parse reads one YAML seed document and validates it against the embedded
// schema. Validation happens on the JSON rendering of the YAML so the
// schema sees exactly what the store will.
func Parse(data []byte) (*File, error) {
	var generic any
	if err := yaml.Unmarshal(data, &generic); err != nil {
		return nil, fmt.Errorf("parse seed yaml: %w", err)
	}
	asJSON, err := json.Marshal(generic)
	if err != nil {
		return nil, fmt.Errorf("render seed to json: %w", err)
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(asJSON))
	if err != nil {
		return nil, fmt.Errorf("reparse seed json: %w", err)
	}
	if err := fileSchema.Validate(doc); err != nil {
		return nil, fmt.Errorf("seed file invalid: %w", err)
	}

	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode seed yaml: %w", err)
	}
	return &f, nil
}

// payloadJSON renders an entry's payload as a compact JSON string, or ""
// when absent.
func payloadJSON(payload any) (string, error) {
	if payload == nil {
		return "", nil
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	return string(b), nil
}

// Apply writes one parsed seed file into the store.
func Apply(ctx context.Context, store *persistence.Store, f *File, path string) (Result, error) {
	res := Result{Path: path, Domain: f.Domain}
	createdBy := f.CreatedBy
	if createdBy == "" {
		createdBy = "seeder"
	}

	for i, entry := range f.Tasks {
		payload, err := payloadJSON(entry.Payload)
		if err != nil {
			return res, fmt.Errorf("tasks[%d]: %w", i, err)
		}

		if entry.TaskID != "" {
			priority := persistence.DefaultPriority
			if entry.Priority != nil {
				priority = *entry.Priority
			}
			out, err := store.UpsertTask(ctx, persistence.UpsertTaskParams{
				TaskID:      entry.TaskID,
				Title:       entry.Title,
				Description: entry.Description,
				Domain:      f.Domain,
				Project:     f.Project,
				Priority:    priority,
				CreatedBy:   createdBy,
				Payload:     payload,
			})
			if err != nil {
				return res, fmt.Errorf("tasks[%d] upsert %s: %w", i, entry.TaskID, err)
			}
			if out.Action == "created" {
				res.Created++
			} else {
				res.Updated++
			}
			continue
		}

		if _, err := store.CreateTask(ctx, persistence.CreateTaskParams{
			Title:       entry.Title,
			Description: entry.Description,
			Domain:      f.Domain,
			Project:     f.Project,
			Priority:    entry.Priority,
			CreatedBy:   createdBy,
			Payload:     payload,
			BlockedBy:   entry.BlockedBy,
		}); err != nil {
			return res, fmt.Errorf("tasks[%d] create: %w", i, err)
		}
		res.Created++
	}
	return res, nil
}

// ApplyFile parses and applies a single seed file.
func ApplyFile(ctx context.Context, store *persistence.Store, path string) (Result, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Result{Path: path}, fmt.Errorf("read seed file: %w", err)
	}
	f, err := Parse(data)
	if err != nil {
		return Result{Path: path}, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	return Apply(ctx, store, f, path)
}

// ApplyDir applies every .yaml/.yml file in dir in lexical order. A missing
// directory applies nothing.
func ApplyDir(ctx context.Context, store *persistence.Store, dir string, logger *slog.Logger) ([]Result, error) {
	if logger == nil {
		logger = slog.Default()
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read seed dir: %w", err)
	}

	var paths []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.HasSuffix(name, ".yaml") || strings.HasSuffix(name, ".yml") {
			paths = append(paths, filepath.Join(dir, name))
		}
	}
	sort.Strings(paths)

	var results []Result
	for _, path := range paths {
		res, err := ApplyFile(ctx, store, path)
		if err != nil {
			return results, err
		}
		logger.Info("seed file applied",
			"path", path, "domain", res.Domain,
			"created", res.Created, "updated", res.Updated)
		results = append(results, res)
	}
	return results, nil
}
