package override

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/core-tools/hsu-realmctl/pkg/errors"
	"github.com/core-tools/hsu-realmctl/pkg/logging"
)

const sampleOverride = `services:
  ac-worldserver:
    environment:
      # Individual Progression
      AC_EXPANSION: "2"  # 0,1,2
      AC_ENABLE_PLAYER_SETTINGS: "1"
      #AC_DISABLED_FEATURE: "0"  # experimental
      # PvP Settings
      TOKEN: "1"  # 0,1
      AC_MOTD: "Welcome to the realm"

      AC_RATE_XP_KILL: "3"
    volumes:
      - ./modules:/azerothcore/modules
    # trailing comment at service level
  ac-authserver:
    environment:
      AC_LOGIN_DATABASE_INFO: "ac-database;3306;root;password;acore_auth"
`

func writeOverride(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), FileName)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(data)
}

func TestEngine_ParseSections(t *testing.T) {
	engine := NewEngine(writeOverride(t, sampleOverride), logging.Nop())

	doc, err := engine.Parse()
	require.NoError(t, err)
	assert.Equal(t, sampleOverride, doc.Raw)

	require.Len(t, doc.Sections, 3)

	progression := doc.Sections[0]
	assert.Equal(t, "Individual Progression", progression.Name)
	require.Len(t, progression.Vars, 3)
	assert.Equal(t, Var{Key: "AC_EXPANSION", Value: "2", Hint: "0,1,2", Type: VarNumber, Line: 5}, progression.Vars[0])
	assert.Equal(t, VarToggle, progression.Vars[1].Type)
	assert.Equal(t, Var{
		Key: "AC_DISABLED_FEATURE", Value: "0", Hint: "experimental", Type: VarToggle, Disabled: true, Line: 7,
	}, progression.Vars[2])

	pvp := doc.Sections[1]
	assert.Equal(t, "PvP Settings", pvp.Name)
	require.Len(t, pvp.Vars, 3)
	assert.Equal(t, "AC_MOTD", pvp.Vars[1].Key)
	assert.Equal(t, VarText, pvp.Vars[1].Type)
	assert.Equal(t, "AC_RATE_XP_KILL", pvp.Vars[2].Key, "blank lines stay in scope")

	auth := doc.Sections[2]
	assert.Equal(t, DefaultSection, auth.Name, "variables of a second service open an implicit section")
	require.Len(t, auth.Vars, 1)
	assert.Equal(t, "AC_LOGIN_DATABASE_INFO", auth.Vars[0].Key)

	_, ok := doc.Lookup("volumes")
	assert.False(t, ok)
}

func TestEngine_PvPTokenIsNumber(t *testing.T) {
	content := "services:\n  ac-worldserver:\n    environment:\n      # PvP Settings\n      TOKEN: \"1\"  # 0,1\n"
	engine := NewEngine(writeOverride(t, content), logging.Nop())

	doc, err := engine.Parse()
	require.NoError(t, err)

	require.Len(t, doc.Sections, 1)
	assert.Equal(t, "PvP Settings", doc.Sections[0].Name)
	token, ok := doc.Lookup("TOKEN")
	require.True(t, ok)
	assert.Equal(t, "1", token.Value)
	assert.Equal(t, VarNumber, token.Type)
}

func TestEngine_ParseUnreadable(t *testing.T) {
	engine := NewEngine(filepath.Join(t.TempDir(), "missing.yml"), logging.Nop())

	doc, err := engine.Parse()
	assert.Nil(t, doc)
	require.Error(t, err)
	assert.True(t, errors.IsParseError(err))
}

func TestEngine_ParseIgnoresVariablesOutsideBlock(t *testing.T) {
	content := "x-common:\n  AC_OUTSIDE: \"1\"\nservices:\n  app:\n    environment:\n      AC_INSIDE: \"1\"\n"
	engine := NewEngine(writeOverride(t, content), logging.Nop())

	doc, err := engine.Parse()
	require.NoError(t, err)

	_, ok := doc.Lookup("AC_OUTSIDE")
	assert.False(t, ok)
	_, ok = doc.Lookup("AC_INSIDE")
	assert.True(t, ok)
}

func TestEngine_SaveThenParse(t *testing.T) {
	path := writeOverride(t, sampleOverride)
	engine := NewEngine(path, logging.Nop())

	before, err := engine.Parse()
	require.NoError(t, err)

	changed, err := engine.Save(map[string]string{"AC_EXPANSION": "1", "AC_DISABLED_FEATURE": "1"})
	require.NoError(t, err)
	assert.Equal(t, []string{"AC_EXPANSION", "AC_DISABLED_FEATURE"}, changed)

	after, err := engine.Parse()
	require.NoError(t, err)

	expansion, ok := after.Lookup("AC_EXPANSION")
	require.True(t, ok)
	assert.Equal(t, "1", expansion.Value)
	assert.Equal(t, "0,1,2", expansion.Hint)

	disabled, _ := after.Lookup("AC_DISABLED_FEATURE")
	assert.Equal(t, "1", disabled.Value)
	assert.True(t, disabled.Disabled, "disabled marker is preserved")

	require.Len(t, after.Sections, len(before.Sections))
	for i, section := range before.Sections {
		assert.Equal(t, section.Name, after.Sections[i].Name)
		require.Len(t, after.Sections[i].Vars, len(section.Vars))
		for j, v := range section.Vars {
			if v.Key == "AC_EXPANSION" || v.Key == "AC_DISABLED_FEATURE" {
				continue
			}
			assert.Equal(t, v, after.Sections[i].Vars[j])
		}
	}

	expected := strings.Replace(sampleOverride, `AC_EXPANSION: "2"  # 0,1,2`, `AC_EXPANSION: "1"  # 0,1,2`, 1)
	expected = strings.Replace(expected, `#AC_DISABLED_FEATURE: "0"`, `#AC_DISABLED_FEATURE: "1"`, 1)
	assert.Equal(t, expected, readFile(t, path))
}

func TestEngine_SaveUnknownKeyLeavesFileIdentical(t *testing.T) {
	path := writeOverride(t, sampleOverride)
	engine := NewEngine(path, logging.Nop())

	info, err := os.Stat(path)
	require.NoError(t, err)

	changed, err := engine.Save(map[string]string{"AC_NOT_DECLARED": "1", "volumes": "x"})
	require.NoError(t, err)
	assert.Empty(t, changed)
	assert.Equal(t, sampleOverride, readFile(t, path))

	after, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, info.ModTime(), after.ModTime(), "file is not rewritten")
}

func TestEngine_SaveSameValueIsNoop(t *testing.T) {
	path := writeOverride(t, sampleOverride)
	engine := NewEngine(path, logging.Nop())

	changed, err := engine.Save(map[string]string{"AC_EXPANSION": "2"})
	require.NoError(t, err)
	assert.Empty(t, changed)
}

func TestEngine_SavePreservesCRLF(t *testing.T) {
	content := "services:\r\n  app:\r\n    environment:\r\n      # Rates\r\n      AC_RATE: \"1\" # 1,2,3\r\n      AC_NAME: \"x\"\r\n"
	path := writeOverride(t, content)
	engine := NewEngine(path, logging.Nop())

	doc, err := engine.Parse()
	require.NoError(t, err)
	rate, ok := doc.Lookup("AC_RATE")
	require.True(t, ok)
	assert.Equal(t, "1,2,3", rate.Hint)

	_, err = engine.Save(map[string]string{"AC_RATE": "3"})
	require.NoError(t, err)
	assert.Equal(t, strings.Replace(content, `AC_RATE: "1"`, `AC_RATE: "3"`, 1), readFile(t, path))
}

func TestEngine_SaveRejectsUnsafeValues(t *testing.T) {
	path := writeOverride(t, sampleOverride)
	engine := NewEngine(path, logging.Nop())

	tests := []struct {
		name  string
		value string
	}{
		{"quote", `say "hi"`},
		{"newline", "a\nb"},
		{"carriage return", "a\rb"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := engine.Save(map[string]string{"AC_MOTD": tt.value})
			require.Error(t, err)
			assert.True(t, errors.IsWriteError(err))
			assert.True(t, errors.IsValidationError(err))
			assert.Equal(t, sampleOverride, readFile(t, path))
		})
	}
}

func TestEngine_SaveMissingFile(t *testing.T) {
	engine := NewEngine(filepath.Join(t.TempDir(), FileName), logging.Nop())

	_, err := engine.Save(map[string]string{"AC_EXPANSION": "1"})
	require.Error(t, err)
	assert.True(t, errors.IsWriteError(err))
}

func TestEngine_SaveRefusesToBreakYAML(t *testing.T) {
	path := writeOverride(t, sampleOverride)
	engine := NewEngine(path, logging.Nop())

	// a value ending in a backslash escapes the closing quote in YAML
	_, err := engine.Save(map[string]string{"AC_MOTD": `C:\`})
	require.Error(t, err)
	assert.True(t, errors.IsWriteError(err))
	assert.Equal(t, sampleOverride, readFile(t, path))
}

func TestEngine_SaveRereadsFromDisk(t *testing.T) {
	path := writeOverride(t, sampleOverride)
	engine := NewEngine(path, logging.Nop())

	_, err := engine.Parse()
	require.NoError(t, err)

	edited := strings.Replace(sampleOverride, `AC_MOTD: "Welcome to the realm"`, `AC_MOTD: "Edited elsewhere"`, 1)
	require.NoError(t, os.WriteFile(path, []byte(edited), 0o644))

	_, err = engine.Save(map[string]string{"AC_RATE_XP_KILL": "5"})
	require.NoError(t, err)

	content := readFile(t, path)
	assert.Contains(t, content, `AC_MOTD: "Edited elsewhere"`)
	assert.Contains(t, content, `AC_RATE_XP_KILL: "5"`)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		value    string
		hint     string
		expected VarType
	}{
		{"0", "", VarToggle},
		{"1", "enable feature", VarToggle},
		{"1", "0,1", VarNumber},
		{"0", "0, 1, 2", VarNumber},
		{"42", "", VarNumber},
		{"3", "1-5", VarNumber},
		{"", "", VarText},
		{"1.5", "", VarText},
		{"abc", "", VarText},
		{"abc", "1,2", VarNumber},
	}

	for _, tt := range tests {
		t.Run(tt.value+"|"+tt.hint, func(t *testing.T) {
			assert.Equal(t, tt.expected, Classify(tt.value, tt.hint))
		})
	}
}

func TestScanner_ScopeFollowsIndentation(t *testing.T) {
	lines := []string{
		"environment:",
		"  A_ONE: \"1\"",
		"# top-level comment keeps scope",
		"  A_TWO: \"2\"",
		"other:",
		"  A_THREE: \"3\"",
		"  environment:",
		"      A_FOUR: \"4\"",
		"  sibling:",
		"      A_FIVE: \"5\"",
	}

	sc := &scanner{}
	var keys []string
	for _, line := range lines {
		if scanned := sc.next(line); scanned.kind == lineVariable {
			keys = append(keys, scanned.key)
		}
	}
	assert.Equal(t, []string{"A_ONE", "A_TWO", "A_FOUR"}, keys)
}

func TestSplitLines_RoundTrip(t *testing.T) {
	for _, text := range []string{"", "a", "a\n", "a\r\nb", "a\n\nb\n"} {
		assert.Equal(t, text, strings.Join(splitLines(text), ""))
	}
}
