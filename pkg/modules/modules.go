// Package modules lists server modules installed in the project and renders
// their README files.
package modules

import (
	"bytes"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	"github.com/core-tools/hsu-realmctl/pkg/errors"
	"github.com/core-tools/hsu-realmctl/pkg/logging"
)

const (
	DirName    = "modules"
	ReadmeName = "README.md"
)

type Module struct {
	DirName     string `json:"dirName"`
	DisplayName string `json:"displayName"`
}

type Catalog struct {
	dir      string
	markdown goldmark.Markdown
	logger   logging.Logger
}

// NewCatalog serves modules under <projectRoot>/modules
func NewCatalog(projectRoot string, logger logging.Logger) *Catalog {
	return &Catalog{
		dir:      filepath.Join(projectRoot, DirName),
		markdown: goldmark.New(goldmark.WithExtensions(extension.GFM)),
		logger:   logger,
	}
}

// List returns module directories sorted by display name. A missing modules
// directory yields an empty list.
func (c *Catalog) List() ([]Module, error) {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []Module{}, nil
		}
		return nil, errors.NewIOError("failed to list modules", err).WithContext("path", c.dir)
	}

	modules := []Module{}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		modules = append(modules, Module{
			DirName:     entry.Name(),
			DisplayName: strings.TrimPrefix(entry.Name(), "mod-"),
		})
	}
	sort.SliceStable(modules, func(i, j int) bool {
		return strings.ToLower(modules[i].DisplayName) < strings.ToLower(modules[j].DisplayName)
	})
	return modules, nil
}

// Readme renders the module README as HTML. Only the last path element of
// dirName is used.
func (c *Catalog) Readme(dirName string) (string, error) {
	safe := filepath.Base(filepath.Clean("/" + dirName))
	if safe == "/" || safe == "." || safe == string(filepath.Separator) {
		return "", errors.NewValidationError("invalid module name", nil).WithContext("module", dirName)
	}

	path := filepath.Join(c.dir, safe, ReadmeName)
	source, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", errors.NewNotFoundError("module has no README", err).WithContext("module", safe)
		}
		return "", errors.NewIOError("failed to read README", err).WithContext("module", safe)
	}

	var out bytes.Buffer
	if err := c.markdown.Convert(source, &out); err != nil {
		return "", errors.NewParseError("failed to render README", err).WithContext("module", safe)
	}
	c.logger.Debugf("Rendered module README, module: %s, bytes: %d", safe, out.Len())
	return out.String(), nil
}
