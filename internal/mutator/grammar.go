// Package mutator provides grammar-based input generation and mutation for
// the text-parser targets, plus AFL-style byte-level mutation primitives.
package mutator

import (
	"math/rand"
	"regexp"
	"strings"
)

// Grammar describes a context-free grammar. Rules map a non-terminal (in
// angle brackets) to an ordered set of productions; a production mixes
// literal text with angle-bracket non-terminal references.
type Grammar struct {
	Start            string
	Rules            map[string][]string
	RecursiveSymbols map[string]bool
	MaxDepth         int
}

var nonTerminalPattern = regexp.MustCompile(`<[^<>]+>`)

// JSONGrammar generates JSON documents.
var JSONGrammar = &Grammar{
	Start:    "<json>",
	MaxDepth: 6,
	RecursiveSymbols: map[string]bool{
		"<object>": true, "<array>": true, "<members>": true,
		"<elements>": true, "<value>": true,
	},
	Rules: map[string][]string{
		"<json>":     {"<value>"},
		"<value>":    {"<object>", "<array>", "<string>", "<number>", "true", "false", "null"},
		"<object>":   {"{}", "{<members>}"},
		"<members>":  {"<pair>", "<pair>,<members>"},
		"<pair>":     {"<string>:<value>"},
		"<array>":    {"[]", "[<elements>]"},
		"<elements>": {"<value>", "<value>,<elements>"},
		"<string>":   {`"a"`, `"b"`, `"json"`, `"ip"`, `"\u0030"`, `"x y"`, `"long_key_123"`},
		"<number>":   {"0", "-1", "1", "42", "3.14", "-0.001", "1e10", "-2E-2"},
	},
}

// IPv4Grammar generates dotted-quad addresses with optional prefix length.
var IPv4Grammar = &Grammar{
	Start:            "<ipv4_input>",
	MaxDepth:         2,
	RecursiveSymbols: map[string]bool{},
	Rules: map[string][]string{
		"<ipv4_input>": {"<ipv4>", "<ipv4>/<prefix4>"},
		"<ipv4>":       {"<octet>.<octet>.<octet>.<octet>"},
		"<octet>":      {"0", "1", "10", "127", "192", "223", "254", "255"},
		"<prefix4>":    {"0", "8", "16", "24", "30", "32"},
	},
}

// IPv6Grammar generates IPv6 addresses with optional prefix length.
var IPv6Grammar = &Grammar{
	Start:            "<ipv6_input>",
	MaxDepth:         2,
	RecursiveSymbols: map[string]bool{},
	Rules: map[string][]string{
		"<ipv6_input>": {"<ipv6>", "<ipv6>/<prefix6>"},
		"<ipv6>": {
			"<h>:<h>:<h>:<h>:<h>:<h>:<h>:<h>",
			"<h>::<h>",
			"::1",
			"::",
			"fe80::<h>",
			"2001:db8::<h>:<h>",
		},
		"<h>":       {"0", "1", "a", "f", "10", "ff", "0abc", "ffff"},
		"<prefix6>": {"0", "32", "48", "64", "96", "128"},
	},
}

// IPGrammar chooses between IPv4 and IPv6 shapes.
var IPGrammar = func() *Grammar {
	rules := map[string][]string{
		"<ip>": {"<ipv4_input>", "<ipv6_input>"},
	}
	for sym, prods := range IPv4Grammar.Rules {
		rules[sym] = prods
	}
	for sym, prods := range IPv6Grammar.Rules {
		rules[sym] = prods
	}
	return &Grammar{
		Start:            "<ip>",
		MaxDepth:         3,
		RecursiveSymbols: map[string]bool{},
		Rules:            rules,
	}
}()

// Generate expands the grammar's start symbol into a string.
func (g *Grammar) Generate(rng *rand.Rand) string {
	return g.expand(g.Start, 0, rng)
}

func (g *Grammar) expand(symbol string, depth int, rng *rand.Rand) string {
	productions, ok := g.Rules[symbol]
	if !ok {
		return symbol
	}

	production := g.pickProduction(symbol, productions, depth, rng)

	var sb strings.Builder
	last := 0
	for _, loc := range nonTerminalPattern.FindAllStringIndex(production, -1) {
		sb.WriteString(production[last:loc[0]])
		sb.WriteString(g.expand(production[loc[0]:loc[1]], depth+1, rng))
		last = loc[1]
	}
	sb.WriteString(production[last:])
	return sb.String()
}

// pickProduction chooses uniformly, except at or beyond MaxDepth for a
// recursive symbol, where productions containing a recursive non-terminal
// are excluded. If nothing safe remains, the full set is used.
func (g *Grammar) pickProduction(symbol string, productions []string, depth int, rng *rand.Rand) string {
	if depth < g.MaxDepth || !g.RecursiveSymbols[symbol] {
		return productions[rng.Intn(len(productions))]
	}

	var safe []string
	for _, option := range productions {
		recursive := false
		for _, token := range nonTerminalPattern.FindAllString(option, -1) {
			if g.RecursiveSymbols[token] {
				recursive = true
				break
			}
		}
		if !recursive {
			safe = append(safe, option)
		}
	}
	if len(safe) == 0 {
		safe = productions
	}
	return safe[rng.Intn(len(safe))]
}
