// Package override edits the environment block of docker-compose.override.yml
// as typed, sectioned variables without disturbing the rest of the file.
package override

import "regexp"

// VarType is the editable kind inferred for a variable
type VarType string

const (
	VarToggle VarType = "toggle"
	VarNumber VarType = "number"
	VarText   VarType = "text"
)

// DefaultSection holds variables that appear before any section header
const DefaultSection = "General"

type Var struct {
	Key      string  `json:"key"`
	Value    string  `json:"value"`
	Hint     string  `json:"hint"`
	Type     VarType `json:"type"`
	Disabled bool    `json:"disabled"`
	Line     int     `json:"line"`
}

type Section struct {
	Name string `json:"name"`
	Vars []Var  `json:"vars"`
}

// Document is the result of one parse. It is rebuilt on every parse and
// never written back; Save always works from the file on disk.
type Document struct {
	Sections []Section `json:"sections"`
	Raw      string    `json:"raw"`
}

// Lookup returns the variable with the given key
func (d *Document) Lookup(key string) (Var, bool) {
	for _, section := range d.Sections {
		for _, v := range section.Vars {
			if v.Key == key {
				return v, true
			}
		}
	}
	return Var{}, false
}

// SectionOf returns the name of the section holding key
func (d *Document) SectionOf(key string) (string, bool) {
	for _, section := range d.Sections {
		for _, v := range section.Vars {
			if v.Key == key {
				return section.Name, true
			}
		}
	}
	return "", false
}

var (
	// a hint like "0,1,2" or "1 - 5, 10" lists allowed numeric values
	rangeHintPattern = regexp.MustCompile(`\d.*,.*\d`)
	digitsPattern    = regexp.MustCompile(`^\d+$`)
)

// Classify infers the variable kind from its value and hint
func Classify(value, hint string) VarType {
	switch {
	case rangeHintPattern.MatchString(hint):
		return VarNumber
	case value == "0" || value == "1":
		return VarToggle
	case digitsPattern.MatchString(value):
		return VarNumber
	default:
		return VarText
	}
}
