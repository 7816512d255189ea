// Package predicate implements the predicate-hint language: a restricted
// boolean expression over column comparisons, evaluated exactly against rows
// and conservatively against per-file statistics.
package predicate

import (
	"fmt"
	"strings"
	"unicode"
)

type tokenType int

const (
	tokenEOF tokenType = iota
	tokenIdent
	tokenNumber
	tokenString
	tokenAnd
	tokenOr
	tokenNot
	tokenIs
	tokenNull
	tokenTrue
	tokenFalse
	tokenOp
	tokenLParen
	tokenRParen
)

type token struct {
	typ     tokenType
	literal string
	pos     int
}

var keywords = map[string]tokenType{
	"AND":   tokenAnd,
	"OR":    tokenOr,
	"NOT":   tokenNot,
	"IS":    tokenIs,
	"NULL":  tokenNull,
	"TRUE":  tokenTrue,
	"FALSE": tokenFalse,
}

func tokenize(input string) ([]token, error) {
	var tokens []token
	runes := []rune(input)
	i := 0
	for i < len(runes) {
		r := runes[i]
		switch {
		case unicode.IsSpace(r):
			i++
		case r == '(':
			tokens = append(tokens, token{typ: tokenLParen, literal: "(", pos: i})
			i++
		case r == ')':
			tokens = append(tokens, token{typ: tokenRParen, literal: ")", pos: i})
			i++
		case r == '=':
			tokens = append(tokens, token{typ: tokenOp, literal: "=", pos: i})
			i++
		case r == '!':
			if i+1 < len(runes) && runes[i+1] == '=' {
				tokens = append(tokens, token{typ: tokenOp, literal: "!=", pos: i})
				i += 2
				continue
			}
			return nil, fmt.Errorf("unexpected %q at %d", r, i)
		case r == '<' || r == '>':
			op := string(r)
			if i+1 < len(runes) && (runes[i+1] == '=' || (r == '<' && runes[i+1] == '>')) {
				op += string(runes[i+1])
			}
			tokens = append(tokens, token{typ: tokenOp, literal: op, pos: i})
			i += len(op)
		case r == '\'':
			value, next, err := readQuoted(runes, i, '\'')
			if err != nil {
				return nil, err
			}
			tokens = append(tokens, token{typ: tokenString, literal: value, pos: i})
			i = next
		case r == '"':
			value, next, err := readQuoted(runes, i, '"')
			if err != nil {
				return nil, err
			}
			if value == "" {
				return nil, fmt.Errorf("empty quoted identifier at %d", i)
			}
			tokens = append(tokens, token{typ: tokenIdent, literal: value, pos: i})
			i = next
		case unicode.IsDigit(r) || ((r == '-' || r == '+' || r == '.') && i+1 < len(runes) && (unicode.IsDigit(runes[i+1]) || runes[i+1] == '.')):
			start := i
			i++
			for i < len(runes) {
				c := runes[i]
				if unicode.IsDigit(c) || c == '.' {
					i++
					continue
				}
				if (c == 'e' || c == 'E') && i+1 < len(runes) {
					i++
					if runes[i] == '+' || runes[i] == '-' {
						i++
					}
					continue
				}
				break
			}
			tokens = append(tokens, token{typ: tokenNumber, literal: string(runes[start:i]), pos: start})
		case unicode.IsLetter(r) || r == '_':
			start := i
			for i < len(runes) && isIdentRune(runes[i]) {
				i++
			}
			word := string(runes[start:i])
			if typ, ok := keywords[strings.ToUpper(word)]; ok {
				tokens = append(tokens, token{typ: typ, literal: strings.ToUpper(word), pos: start})
				continue
			}
			tokens = append(tokens, token{typ: tokenIdent, literal: word, pos: start})
		default:
			return nil, fmt.Errorf("unexpected %q at %d", r, i)
		}
	}
	tokens = append(tokens, token{typ: tokenEOF, pos: len(runes)})
	return tokens, nil
}

func isIdentRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_' || r == '-' || r == '.'
}

// readQuoted reads a quoted run starting at runes[start]. A doubled quote
// is an escaped quote.
func readQuoted(runes []rune, start int, quote rune) (string, int, error) {
	var b strings.Builder
	i := start + 1
	for i < len(runes) {
		if runes[i] == quote {
			if i+1 < len(runes) && runes[i+1] == quote {
				b.WriteRune(quote)
				i += 2
				continue
			}
			return b.String(), i + 1, nil
		}
		b.WriteRune(runes[i])
		i++
	}
	return "", 0, fmt.Errorf("unterminated quote starting at %d", start)
}
