package completion

import (
	"strings"

	"github.com/chzyer/readline"
)

// autoCompleter offers the candidates that extend the word under the cursor
type autoCompleter struct {
	c *Completer
}

// AutoCompleter adapts the completer to readline's Tab handling
func (c *Completer) AutoCompleter() readline.AutoCompleter {
	return &autoCompleter{c: c}
}

func (a *autoCompleter) Do(line []rune, pos int) ([][]rune, int) {
	symbol, matches := a.c.Complete(string(line[:pos]))

	var suffixes [][]rune
	for _, m := range matches {
		if strings.HasPrefix(m, symbol) && m != symbol {
			suffixes = append(suffixes, []rune(m[len(symbol):]))
		}
	}
	return suffixes, len([]rune(symbol))
}

// OnChange implements readline.Listener. readline can only append to the
// word under the cursor, so a single candidate that rewrites the word, such
// as an expanded join, is applied here when Tab is pressed.
func (c *Completer) OnChange(line []rune, pos int, key rune) ([]rune, int, bool) {
	if key != readline.CharTab {
		return nil, 0, false
	}

	symbol, matches := c.Complete(string(line[:pos]))
	if len(matches) != 1 || strings.HasPrefix(matches[0], symbol) {
		return nil, 0, false
	}

	start := pos - len([]rune(symbol))
	replacement := []rune(matches[0])
	newLine := make([]rune, 0, len(line)-len([]rune(symbol))+len(replacement))
	newLine = append(newLine, line[:start]...)
	newLine = append(newLine, replacement...)
	newLine = append(newLine, line[pos:]...)
	return newLine, start + len(replacement), true
}
