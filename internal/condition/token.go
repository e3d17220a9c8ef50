package condition

import (
	"strings"
	"unicode"

	"github.com/rendis/runway/pkg/schema"
)

// tokenKind classifies lexical tokens of the condition DSL.
type tokenKind int

const (
	tokenEOF tokenKind = iota
	tokenAnd
	tokenOr
	tokenNot
	tokenLParen
	tokenRParen
	tokenCompare // > >= < <= == !=
	tokenString  // quoted literal, quotes stripped
	tokenNumber
	tokenIdent // bare or dotted identifier path
	tokenCall  // dotted method-like call, e.g. providers.includes('x')
)

// token is one lexical unit. For tokenCall, Text holds the full path up to
// the opening paren and Args holds the raw argument text.
type token struct {
	Kind tokenKind
	Text string
	Args []string
	Pos  int
}

// tokenize splits a condition expression into tokens. It is quote-aware
// (operators and parens inside single or double quoted strings are literal
// text) and call-aware: a '(' immediately following a dotted method-like
// pattern belongs to a single call token, not to grouping.
func tokenize(input string) ([]token, error) {
	var tokens []token
	i := 0
	n := len(input)

	for i < n {
		c := input[i]

		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++

		case c == '(':
			tokens = append(tokens, token{Kind: tokenLParen, Text: "(", Pos: i})
			i++

		case c == ')':
			tokens = append(tokens, token{Kind: tokenRParen, Text: ")", Pos: i})
			i++

		case c == '&':
			if i+1 < n && input[i+1] == '&' {
				tokens = append(tokens, token{Kind: tokenAnd, Text: "&&", Pos: i})
				i += 2
			} else {
				return nil, schema.NewErrorf(schema.ErrCodeValidation,
					"unexpected '&' at position %d (did you mean '&&'?)", i)
			}

		case c == '|':
			if i+1 < n && input[i+1] == '|' {
				tokens = append(tokens, token{Kind: tokenOr, Text: "||", Pos: i})
				i += 2
			} else {
				return nil, schema.NewErrorf(schema.ErrCodeValidation,
					"unexpected '|' at position %d (did you mean '||'?)", i)
			}

		case c == '!':
			if i+1 < n && input[i+1] == '=' {
				tokens = append(tokens, token{Kind: tokenCompare, Text: "!=", Pos: i})
				i += 2
			} else {
				tokens = append(tokens, token{Kind: tokenNot, Text: "!", Pos: i})
				i++
			}

		case c == '>' || c == '<':
			op := string(c)
			if i+1 < n && input[i+1] == '=' {
				op += "="
				i++
			}
			tokens = append(tokens, token{Kind: tokenCompare, Text: op, Pos: i})
			i++

		case c == '=':
			if i+1 < n && input[i+1] == '=' {
				tokens = append(tokens, token{Kind: tokenCompare, Text: "==", Pos: i})
				i += 2
			} else {
				return nil, schema.NewErrorf(schema.ErrCodeValidation,
					"unexpected '=' at position %d (did you mean '==')", i)
			}

		case c == '\'' || c == '"':
			lit, next, err := scanString(input, i)
			if err != nil {
				return nil, err
			}
			tokens = append(tokens, token{Kind: tokenString, Text: lit, Pos: i})
			i = next

		case c >= '0' && c <= '9' || (c == '-' && i+1 < n && input[i+1] >= '0' && input[i+1] <= '9'):
			start := i
			i++
			for i < n && (input[i] >= '0' && input[i] <= '9' || input[i] == '.') {
				i++
			}
			tokens = append(tokens, token{Kind: tokenNumber, Text: input[start:i], Pos: start})

		case isIdentStart(rune(c)):
			tok, next, err := scanIdent(input, i)
			if err != nil {
				return nil, err
			}
			tokens = append(tokens, tok)
			i = next

		default:
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"unexpected character %q at position %d", string(c), i)
		}
	}

	tokens = append(tokens, token{Kind: tokenEOF, Pos: n})
	return tokens, nil
}

// scanString consumes a quoted literal starting at input[start] and returns
// the unquoted text plus the index after the closing quote.
func scanString(input string, start int) (string, int, error) {
	quote := input[start]
	i := start + 1
	var b strings.Builder
	for i < len(input) {
		if input[i] == quote {
			return b.String(), i + 1, nil
		}
		b.WriteByte(input[i])
		i++
	}
	return "", 0, schema.NewErrorf(schema.ErrCodeValidation,
		"unterminated string literal starting at position %d", start)
}

// scanIdent consumes an identifier path. Keywords AND/OR/NOT are recognized
// case-insensitively. A '(' directly after the path turns the whole thing
// into a call token, consuming through the matching ')' with quote awareness.
func scanIdent(input string, start int) (token, int, error) {
	i := start
	for i < len(input) && isIdentPart(rune(input[i])) {
		i++
	}
	word := input[start:i]

	switch strings.ToUpper(word) {
	case "AND":
		return token{Kind: tokenAnd, Text: word, Pos: start}, i, nil
	case "OR":
		return token{Kind: tokenOr, Text: word, Pos: start}, i, nil
	case "NOT":
		return token{Kind: tokenNot, Text: word, Pos: start}, i, nil
	}

	// Method-like call: dotted path followed directly by '('.
	if i < len(input) && input[i] == '(' && strings.Contains(word, ".") {
		args, next, err := scanCallArgs(input, i)
		if err != nil {
			return token{}, 0, err
		}
		return token{Kind: tokenCall, Text: word, Args: args, Pos: start}, next, nil
	}

	return token{Kind: tokenIdent, Text: word, Pos: start}, i, nil
}

// scanCallArgs consumes '(' ... ')' collecting comma-separated arguments.
// Quoted arguments are unquoted; parens and commas inside quotes are literal.
func scanCallArgs(input string, open int) ([]string, int, error) {
	var args []string
	var cur strings.Builder
	i := open + 1

	flush := func() {
		arg := strings.TrimSpace(cur.String())
		if arg != "" {
			args = append(args, arg)
		}
		cur.Reset()
	}

	for i < len(input) {
		c := input[i]
		switch c {
		case '\'', '"':
			lit, next, err := scanString(input, i)
			if err != nil {
				return nil, 0, err
			}
			cur.WriteString(lit)
			i = next
		case ',':
			flush()
			i++
		case ')':
			flush()
			return args, i + 1, nil
		default:
			cur.WriteByte(c)
			i++
		}
	}

	return nil, 0, schema.NewErrorf(schema.ErrCodeValidation,
		"unterminated call starting at position %d", open)
}

func isIdentStart(r rune) bool {
	return unicode.IsLetter(r) || r == '_'
}

func isIdentPart(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_' || r == '.'
}
