package override

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/core-tools/hsu-realmctl/pkg/errors"
	"github.com/core-tools/hsu-realmctl/pkg/logging"
)

// FileName is the override file name inside the project root
const FileName = "docker-compose.override.yml"

// Engine parses and patches one override file. It does no locking; callers
// serialize concurrent saves to the same file.
type Engine struct {
	path   string
	logger logging.Logger
}

func NewEngine(path string, logger logging.Logger) *Engine {
	return &Engine{
		path:   path,
		logger: logger,
	}
}

func (e *Engine) Path() string {
	return e.path
}

// Parse reads the file and returns its sections in file order
func (e *Engine) Parse() (*Document, error) {
	data, err := os.ReadFile(e.path)
	if err != nil {
		return nil, errors.NewParseError("override file unreadable", err).WithContext("path", e.path)
	}

	raw := string(data)
	doc := &Document{Raw: raw, Sections: []Section{}}

	sc := &scanner{}
	current := -1
	for i, line := range splitLines(raw) {
		scanned := sc.next(contentOf(line))
		switch scanned.kind {
		case lineBlockOpen:
			current = -1
		case lineSection:
			doc.Sections = append(doc.Sections, Section{Name: scanned.title, Vars: []Var{}})
			current = len(doc.Sections) - 1
		case lineVariable:
			if current < 0 {
				doc.Sections = append(doc.Sections, Section{Name: DefaultSection, Vars: []Var{}})
				current = len(doc.Sections) - 1
			}
			doc.Sections[current].Vars = append(doc.Sections[current].Vars, Var{
				Key:      scanned.key,
				Value:    scanned.value,
				Hint:     scanned.hint,
				Type:     Classify(scanned.value, scanned.hint),
				Disabled: scanned.disabled,
				Line:     i + 1,
			})
		}
	}

	e.logger.Debugf("Override file parsed, path: %s, sections: %d", e.path, len(doc.Sections))
	return doc, nil
}

// Save rewrites the quoted values of existing variables named in updates and
// returns the keys whose value changed, in file order. Keys not declared in
// the file are ignored. If nothing changes the file is not written. The write
// is all-or-nothing.
func (e *Engine) Save(updates map[string]string) ([]string, error) {
	if err := validateUpdates(updates); err != nil {
		return nil, errors.NewWriteError("rejected update", err).WithContext("path", e.path)
	}

	info, err := os.Stat(e.path)
	if err != nil {
		return nil, errors.NewWriteError("override file unreadable", errors.NewIOError("stat failed", err)).WithContext("path", e.path)
	}
	data, err := os.ReadFile(e.path)
	if err != nil {
		return nil, errors.NewWriteError("override file unreadable", errors.NewIOError("read failed", err)).WithContext("path", e.path)
	}

	patched, changed := patch(string(data), updates)
	if len(changed) == 0 {
		e.logger.Debugf("Override save made no changes, path: %s", e.path)
		return nil, nil
	}

	if isYAML(data) && !isYAML([]byte(patched)) {
		return nil, errors.NewWriteError("patched file is no longer valid YAML", nil).WithContext("path", e.path)
	}

	if err := writeFileAtomic(e.path, []byte(patched), info.Mode().Perm()); err != nil {
		return nil, errors.NewWriteError("failed to write override file", errors.NewIOError("atomic write failed", err)).WithContext("path", e.path)
	}

	e.logger.Infof("Override file saved, path: %s, changed: %v", e.path, changed)
	return changed, nil
}

// patch splices new values into matching variable lines. Every other byte,
// including line terminators, is carried over unchanged.
func patch(raw string, updates map[string]string) (string, []string) {
	var out strings.Builder
	out.Grow(len(raw))

	var changed []string
	sc := &scanner{}
	for _, line := range splitLines(raw) {
		content := contentOf(line)
		scanned := sc.next(content)
		if scanned.kind == lineVariable {
			if value, ok := updates[scanned.key]; ok && value != scanned.value {
				out.WriteString(content[:scanned.valueStart])
				out.WriteString(value)
				out.WriteString(line[scanned.valueEnd:])
				changed = append(changed, scanned.key)
				continue
			}
		}
		out.WriteString(line)
	}
	return out.String(), changed
}

func validateUpdates(updates map[string]string) error {
	collection := errors.NewErrorCollection()
	for key, value := range updates {
		if strings.ContainsAny(value, "\"\r\n") {
			collection.Add(errors.NewValidationError(
				fmt.Sprintf("value for %s must not contain quotes or line breaks", key), nil,
			).WithContext("key", key))
		}
	}
	return collection.ToError()
}

func isYAML(data []byte) bool {
	var node yaml.Node
	return yaml.Unmarshal(data, &node) == nil
}
