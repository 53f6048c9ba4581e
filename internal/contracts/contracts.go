package contracts

import (
	"bytes"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/brutev/fd-agent/internal/errors"
	"github.com/brutev/fd-agent/internal/models"
)

var httpMethods = map[string]bool{
	"get": true, "post": true, "put": true, "patch": true, "delete": true, "head": true, "options": true,
}

// document accepts three shapes: a bare list of contracts, an object with
// a contracts list, or OpenAPI-style paths
type document struct {
	Service   string                         `yaml:"service"`
	Version   string                         `yaml:"version"`
	Owner     string                         `yaml:"owner"`
	Contracts []models.Contract              `yaml:"contracts"`
	Paths     map[string]map[string]pathItem `yaml:"paths"`
}

type pathItem struct {
	OperationID string   `yaml:"operationId"`
	Request     string   `yaml:"request"`
	Response    string   `yaml:"response"`
	Auth        string   `yaml:"auth"`
	Owner       string   `yaml:"owner"`
	Errors      []string `yaml:"errors"`
}

// Load reads declared API contracts from a YAML, JSON or Excel file.
// Workbooks are read from their first sheet.
func Load(path string) ([]models.Contract, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".xlsx", ".xlsm":
		return LoadExcel(path, ExcelOptions{})
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.FileSystemErrorf(err, "read contracts %s", path)
	}
	contracts, err := Parse(data)
	if err != nil {
		return nil, errors.Wrapf(err, errors.ErrorTypeValidation, errors.SeverityHigh, "parse contracts %s", path)
	}
	for i := range contracts {
		contracts[i].Source = path
	}
	return contracts, nil
}

// Parse decodes contracts from YAML or JSON bytes. Ids default to
// "METHOD path"; duplicate ids are rejected.
func Parse(data []byte) ([]models.Contract, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, nil
	}

	var out []models.Contract
	if trimmed[0] == '[' || trimmed[0] == '-' {
		if err := yaml.Unmarshal(trimmed, &out); err != nil {
			return nil, err
		}
	} else {
		var doc document
		if err := yaml.Unmarshal(trimmed, &doc); err != nil {
			return nil, err
		}
		out = append(out, doc.Contracts...)
		out = append(out, fromPaths(doc.Paths)...)
		for i := range out {
			if out[i].Service == "" {
				out[i].Service = doc.Service
			}
			if out[i].Version == "" {
				out[i].Version = doc.Version
			}
			if out[i].Owner == "" {
				out[i].Owner = doc.Owner
			}
		}
	}
	return normalize(out)
}

// normalize upper-cases methods, fills default ids and sorts by id
func normalize(out []models.Contract) ([]models.Contract, error) {
	seen := make(map[string]bool, len(out))
	for i := range out {
		c := &out[i]
		c.Method = strings.ToUpper(strings.TrimSpace(c.Method))
		c.Path = strings.TrimSpace(c.Path)
		if c.Method == "" || c.Path == "" {
			return nil, errors.ValidationErrorf("contract %d (%q) needs both method and path", i, c.ID)
		}
		if c.ID == "" {
			c.ID = c.Method + " " + c.Path
		}
		if seen[c.ID] {
			return nil, errors.ValidationErrorf("duplicate contract id %q", c.ID)
		}
		seen[c.ID] = true
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func fromPaths(paths map[string]map[string]pathItem) []models.Contract {
	var out []models.Contract
	for path, ops := range paths {
		for method, op := range ops {
			if !httpMethods[strings.ToLower(method)] {
				continue
			}
			out = append(out, models.Contract{
				ID:       op.OperationID,
				Method:   method,
				Path:     path,
				Auth:     op.Auth,
				Owner:    op.Owner,
				Request:  op.Request,
				Response: op.Response,
				Errors:   op.Errors,
			})
		}
	}
	return out
}
