// Package docstore keeps the per-workorder working documents (plan, manifest,
// deliverable reports) as files under the workspace state directory. These are
// the artifacts the archive later moves into immutable storage.
package docstore

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
	yaml "gopkg.in/yaml.v3"

	"workorder/internal/domain"
)

const (
	FormatJSON = "json"
	FormatYAML = "yaml"
	FormatTOML = "toml"

	planFile     = "plan.json"
	manifestFile = "manifest.json"
	reportsDir   = "reports"
)

type Store struct {
	Root string
}

func New(root string) Store {
	return Store{Root: root}
}

// Dir is the working directory of one workorder.
func (s Store) Dir(workorderID string) string {
	return filepath.Join(s.Root, workorderID)
}

func (s Store) ReportsDir(workorderID string) string {
	return filepath.Join(s.Dir(workorderID), reportsDir)
}

func (s Store) SavePlan(p domain.Plan) error {
	return WriteJSONAtomic(filepath.Join(s.Dir(p.WorkorderID), planFile), p)
}

func (s Store) LoadPlan(workorderID string) (domain.Plan, error) {
	var p domain.Plan
	err := readJSON(filepath.Join(s.Dir(workorderID), planFile), &p)
	if errors.Is(err, os.ErrNotExist) {
		return p, domain.Errorf(domain.KindNotFound, map[string]any{"workorder_id": workorderID}, "no plan stored for %s", workorderID)
	}
	return p, err
}

func (s Store) SaveManifest(m domain.Manifest) error {
	return WriteJSONAtomic(filepath.Join(s.Dir(m.WorkorderID), manifestFile), m)
}

func (s Store) LoadManifest(workorderID string) (domain.Manifest, error) {
	var m domain.Manifest
	err := readJSON(filepath.Join(s.Dir(workorderID), manifestFile), &m)
	if errors.Is(err, os.ErrNotExist) {
		return m, domain.Errorf(domain.KindNotFound, map[string]any{"workorder_id": workorderID}, "no manifest for %s; run partition first", workorderID)
	}
	return m, err
}

// SaveReport stores a slot's deliverable report as reports/slot-<n>.json.
func (s Store) SaveReport(workorderID string, r domain.DeliverableReport) (string, error) {
	path := filepath.Join(s.ReportsDir(workorderID), fmt.Sprintf("slot-%d.json", r.SlotID))
	return path, WriteJSONAtomic(path, r)
}

// LoadReports reads every report file in the workorder's reports directory in
// name order.
func (s Store) LoadReports(workorderID string) ([]domain.DeliverableReport, error) {
	entries, err := os.ReadDir(s.ReportsDir(workorderID))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if _, err := FormatFor(e.Name()); err == nil {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	out := make([]domain.DeliverableReport, 0, len(names))
	for _, name := range names {
		r, err := DecodeReportFile(filepath.Join(s.ReportsDir(workorderID), name))
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

// FormatFor infers the document format from a file extension.
func FormatFor(path string) (string, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return FormatJSON, nil
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".toml":
		return FormatTOML, nil
	default:
		return "", domain.Errorf(domain.KindInvalidInput, map[string]any{"path": path}, "unsupported document format %q; use .json, .yaml or .toml", filepath.Ext(path))
	}
}

func decode(data []byte, format string, v any) error {
	var err error
	switch format {
	case FormatJSON:
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		err = dec.Decode(v)
	case FormatYAML:
		err = yaml.Unmarshal(data, v)
	case FormatTOML:
		err = toml.Unmarshal(data, v)
	default:
		return fmt.Errorf("unknown format %s", format)
	}
	if err != nil {
		return domain.Errorf(domain.KindInvalidInput, map[string]any{"format": format}, "decode %s document: %v", format, err)
	}
	return nil
}

// DecodePlan parses a plan document in the given format.
func DecodePlan(data []byte, format string) (domain.Plan, error) {
	var p domain.Plan
	err := decode(data, format, &p)
	return p, err
}

func DecodePlanFile(path string) (domain.Plan, error) {
	format, err := FormatFor(path)
	if err != nil {
		return domain.Plan{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return domain.Plan{}, err
	}
	return DecodePlan(data, format)
}

func DecodeReportFile(path string) (domain.DeliverableReport, error) {
	var r domain.DeliverableReport
	format, err := FormatFor(path)
	if err != nil {
		return r, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return r, err
	}
	err = decode(data, format, &r)
	return r, err
}

// EncodePlan renders a plan in the requested format.
func EncodePlan(p domain.Plan, format string) ([]byte, error) {
	switch format {
	case FormatJSON, "":
		b, err := json.MarshalIndent(p, "", "  ")
		if err != nil {
			return nil, err
		}
		return append(b, '\n'), nil
	case FormatYAML:
		return yaml.Marshal(p)
	case FormatTOML:
		buf := new(bytes.Buffer)
		if err := toml.NewEncoder(buf).Encode(p); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	default:
		return nil, domain.Errorf(domain.KindInvalidInput, map[string]any{"format": format}, "unsupported format %s", format)
	}
}

// WriteJSONAtomic writes v as indented JSON through a temp file and rename.
func WriteJSONAtomic(path string, v any) error {
	if path == "" {
		return fmt.Errorf("path is empty")
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal json: %w", err)
	}
	data = append(data, '\n')
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	return nil
}
