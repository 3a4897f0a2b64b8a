package catalog

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/scigateway/orchestrator/pkg/models"
	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"
)

// Document is the layout of a catalog file.
type Document struct {
	Experiments  []models.Experiment            `yaml:"experiments"  validate:"dive"`
	Applications []models.ApplicationDescriptor `yaml:"applications" validate:"dive"`
	Hosts        []models.HostDescriptor        `yaml:"hosts"        validate:"dive"`
	Storages     []models.StorageDescriptor     `yaml:"storages"     validate:"dive"`
}

// FileCatalog serves descriptors loaded from YAML files. Recorded outputs are kept in
// memory and, when an outputs file is configured, rewritten to it after every record.
type FileCatalog struct {
	logger      *slog.Logger
	outputsPath string

	experiments  map[string]models.Experiment
	applications map[string]models.ApplicationDescriptor
	hosts        map[string]models.HostDescriptor
	storages     map[string]models.StorageDescriptor

	mu      sync.RWMutex
	outputs map[string]map[string]map[string]string
}

// LoadFile reads a catalog file, or every .yaml and .yml file of a directory.
func LoadFile(logger *slog.Logger, path string, outputsPath string) (*FileCatalog, error) {
	files, err := catalogFiles(path)
	if err != nil {
		return nil, err
	}

	c := &FileCatalog{
		logger:       logger.With("module", "file_catalog"),
		outputsPath:  outputsPath,
		experiments:  make(map[string]models.Experiment),
		applications: make(map[string]models.ApplicationDescriptor),
		hosts:        make(map[string]models.HostDescriptor),
		storages:     make(map[string]models.StorageDescriptor),
		outputs:      make(map[string]map[string]map[string]string),
	}

	validate := validator.New()
	schema := gojsonschema.NewStringLoader(documentSchema)

	for _, file := range files {
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("failed to read catalog file %s: %w", file, err)
		}

		doc, err := Parse(data, file, schema, validate)
		if err != nil {
			return nil, err
		}

		err = c.add(file, doc)
		if err != nil {
			return nil, err
		}
	}

	c.logger.Info("Catalog loaded",
		"files", len(files),
		"experiments", len(c.experiments),
		"applications", len(c.applications),
		"hosts", len(c.hosts),
		"storages", len(c.storages))

	return c, nil
}

func catalogFiles(path string) ([]string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open catalog: %w", err)
	}

	if !info.IsDir() {
		return []string{path}, nil
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, fmt.Errorf("failed to list catalog directory: %w", err)
	}

	var files []string

	for _, entry := range entries {
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if entry.IsDir() || (ext != ".yaml" && ext != ".yml") {
			continue
		}

		files = append(files, filepath.Join(path, entry.Name()))
	}

	return files, nil
}

// Parse checks a catalog document against the JSON schema, decodes it and validates
// every entry. A nil schema or validator selects the defaults.
func Parse(data []byte, source string, schema gojsonschema.JSONLoader, validate *validator.Validate) (Document, error) {
	if schema == nil {
		schema = gojsonschema.NewStringLoader(documentSchema)
	}

	if validate == nil {
		validate = validator.New()
	}

	var raw any

	err := yaml.Unmarshal(data, &raw)
	if err != nil {
		return Document{}, &ValidationError{Source: source, Issues: []string{err.Error()}}
	}

	if raw == nil {
		return Document{}, nil
	}

	result, err := gojsonschema.Validate(schema, gojsonschema.NewGoLoader(raw))
	if err != nil {
		return Document{}, fmt.Errorf("failed to validate %s: %w", source, err)
	}

	if !result.Valid() {
		issues := make([]string, 0, len(result.Errors()))
		for _, issue := range result.Errors() {
			issues = append(issues, issue.String())
		}

		return Document{}, &ValidationError{Source: source, Issues: issues}
	}

	var doc Document

	err = yaml.Unmarshal(data, &doc)
	if err != nil {
		return Document{}, &ValidationError{Source: source, Issues: []string{err.Error()}}
	}

	err = validate.Struct(doc)
	if err != nil {
		return Document{}, &ValidationError{Source: source, Issues: strings.Split(err.Error(), "\n")}
	}

	return doc, nil
}

func (c *FileCatalog) add(source string, doc Document) error {
	var duplicates []string

	insert := func(kind, id string, exists bool) {
		if exists {
			duplicates = append(duplicates, fmt.Sprintf("duplicate %s '%s'", kind, id))
		}
	}

	for _, e := range doc.Experiments {
		_, exists := c.experiments[e.ID]
		insert("experiment", e.ID, exists)
		c.experiments[e.ID] = e
	}

	for _, a := range doc.Applications {
		_, exists := c.applications[a.ID]
		insert("application", a.ID, exists)
		c.applications[a.ID] = a
	}

	for _, h := range doc.Hosts {
		_, exists := c.hosts[h.ID]
		insert("host", h.ID, exists)
		c.hosts[h.ID] = h
	}

	for _, s := range doc.Storages {
		_, exists := c.storages[s.ID]
		insert("storage", s.ID, exists)
		c.storages[s.ID] = s
	}

	if len(duplicates) > 0 {
		return &ValidationError{Source: source, Issues: duplicates}
	}

	return nil
}

func (c *FileCatalog) GetExperiment(_ context.Context, id string) (models.Experiment, error) {
	return lookup(c.experiments, "experiment", id)
}

func (c *FileCatalog) GetApplicationDescriptor(_ context.Context, id string) (models.ApplicationDescriptor, error) {
	return lookup(c.applications, "application", id)
}

func (c *FileCatalog) GetHostDescriptor(_ context.Context, id string) (models.HostDescriptor, error) {
	return lookup(c.hosts, "host", id)
}

func (c *FileCatalog) GetStorageDescriptor(_ context.Context, id string) (models.StorageDescriptor, error) {
	return lookup(c.storages, "storage", id)
}

func lookup[T any](entries map[string]T, kind, id string) (T, error) {
	entry, ok := entries[id]
	if !ok {
		var zero T

		return zero, &NotFoundError{Kind: kind, ID: id}
	}

	return entry, nil
}

func (c *FileCatalog) RecordTaskOutputs(ctx context.Context, experimentID, taskID string, outputs map[string]string) error {
	if _, ok := c.experiments[experimentID]; !ok {
		return &NotFoundError{Kind: "experiment", ID: experimentID}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	tasks, ok := c.outputs[experimentID]
	if !ok {
		tasks = make(map[string]map[string]string)
		c.outputs[experimentID] = tasks
	}

	tasks[taskID] = maps.Clone(outputs)

	c.logger.DebugContext(ctx, "Task outputs recorded", "experiment_id", experimentID, "task_id", taskID, "outputs", slices.Sorted(maps.Keys(outputs)))

	if c.outputsPath == "" {
		return nil
	}

	return c.flushLocked()
}

// TaskOutputs returns the recorded outputs of an experiment by task.
func (c *FileCatalog) TaskOutputs(experimentID string) map[string]map[string]string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	result := make(map[string]map[string]string, len(c.outputs[experimentID]))
	for taskID, outputs := range c.outputs[experimentID] {
		result[taskID] = maps.Clone(outputs)
	}

	return result
}

func (c *FileCatalog) flushLocked() error {
	data, err := yaml.Marshal(c.outputs)
	if err != nil {
		return fmt.Errorf("failed to encode outputs: %w", err)
	}

	tmp := c.outputsPath + ".tmp"

	err = os.WriteFile(tmp, data, 0o600)
	if err != nil {
		return fmt.Errorf("failed to write outputs: %w", err)
	}

	return os.Rename(tmp, c.outputsPath)
}
