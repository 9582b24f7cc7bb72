package override

import (
	"regexp"
	"strings"
)

// BlockKey is the mapping key whose entries are scanned
const BlockKey = "environment"

type scanState int

const (
	stateOutside scanState = iota
	stateInBlock
)

type lineKind int

const (
	lineIgnored lineKind = iota
	lineBlockOpen
	lineSection
	lineVariable
)

// scannedLine is the classification of one line. For variables, valueStart
// and valueEnd are byte offsets of the quoted value inside the line.
type scannedLine struct {
	kind       lineKind
	title      string
	disabled   bool
	key        string
	value      string
	hint       string
	valueStart int
	valueEnd   int
}

var (
	blockOpenPattern = regexp.MustCompile(`^\s*` + BlockKey + `:\s*$`)
	// groups: indent, disabled marker, key, value, hint
	variablePattern = regexp.MustCompile(`^(\s*)(#?)([A-Z][A-Z0-9_]+):\s*"([^"]*)"(?:\s*#(.*))?\s*$`)
	sectionPattern  = regexp.MustCompile(`^#\s+(\S.*)$`)
)

// scanner advances one line at a time through the file. It is shared by
// parsing and saving so both see exactly the same variable lines.
type scanner struct {
	state       scanState
	blockIndent int
}

// next classifies line, which must not include its line terminator
func (s *scanner) next(line string) scannedLine {
	if s.state == stateInBlock {
		trimmed := strings.TrimSpace(line)
		if trimmed != "" && !strings.HasPrefix(trimmed, "#") && indentOf(line) <= s.blockIndent {
			s.state = stateOutside
		}
	}

	if s.state == stateOutside {
		if blockOpenPattern.MatchString(line) {
			s.state = stateInBlock
			s.blockIndent = indentOf(line)
			return scannedLine{kind: lineBlockOpen}
		}
		return scannedLine{kind: lineIgnored}
	}

	if m := variablePattern.FindStringSubmatchIndex(line); m != nil {
		return scannedLine{
			kind:       lineVariable,
			disabled:   m[5] > m[4],
			key:        line[m[6]:m[7]],
			value:      line[m[8]:m[9]],
			hint:       hintOf(line, m),
			valueStart: m[8],
			valueEnd:   m[9],
		}
	}

	if m := sectionPattern.FindStringSubmatch(strings.TrimSpace(line)); m != nil {
		return scannedLine{kind: lineSection, title: strings.TrimSpace(m[1])}
	}
	return scannedLine{kind: lineIgnored}
}

func hintOf(line string, m []int) string {
	if m[10] < 0 {
		return ""
	}
	return strings.TrimSpace(line[m[10]:m[11]])
}

func indentOf(line string) int {
	return len(line) - len(strings.TrimLeft(line, " \t"))
}

// splitLines splits text into lines, each keeping its own terminator, so that
// joining them reproduces text exactly
func splitLines(text string) []string {
	if text == "" {
		return nil
	}
	lines := strings.SplitAfter(text, "\n")
	if lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}

// contentOf strips the line terminator ("\n" or "\r\n")
func contentOf(line string) string {
	line = strings.TrimSuffix(line, "\n")
	return strings.TrimSuffix(line, "\r")
}
