// Copyright 2025 KrakLabs
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.
//
// For commercial licensing, contact: licensing@kraklabs.com

// Package sigparse normalizes raw declaration text captured from the
// external documentation extractor's output into the one-line
// signature string stored on a Symbol, and
// extracts parameter name/type pairs from it (ParseParams; no other
// package calls it).
//
// Declarations come from a unit's external extractor and may use
// either "fn" (unit items) or "func" (an embedded/foreign declaration
// quoted verbatim), so every keyword-sensitive helper below accepts
// both.
package sigparse

import "strings"

var declKeywords = []string{"fn", "func"}

// ParamInfo holds a parsed parameter's name and base type.
type ParamInfo struct {
	Name string
	Type string
}

// NormalizeSignature collapses a possibly multi-line raw declaration
// into the single-line form stored as Symbol.signature: internal
// whitespace runs (including newlines) become a single space, and
// leading/trailing whitespace is trimmed.
func NormalizeSignature(raw string) string {
	var b strings.Builder
	prevSpace := false
	for _, r := range raw {
		if r == '\n' || r == '\t' || r == '\r' || r == ' ' {
			if !prevSpace && b.Len() > 0 {
				b.WriteByte(' ')
			}
			prevSpace = true
			continue
		}
		prevSpace = false
		b.WriteRune(r)
	}
	return strings.TrimSpace(b.String())
}

// ParseParams parses a normalized signature string and returns its
// parameter names and base types.
//
// It handles both declaration keywords and these parameter shapes:
//   - Simple params: "name string, age int"
//   - Grouped params: "a, b int" -> [{a, int}, {b, int}]
//   - Qualified types: "tools.Querier" -> base type "Querier"
//   - Pointer/reference types: "*Querier", "&Querier" -> "Querier"
//   - Slice/vector types: "[]Querier", "Vec<Querier>" -> "Querier"
//   - Variadic types: "...string" -> "string"
//   - Func-typed params: "fn(int) -> bool" -> kept with base type "fn"
//   - Method receivers are excluded.
func ParseParams(signature string) []ParamInfo {
	if signature == "" {
		return nil
	}
	paramStr := ExtractParamString(signature)
	if paramStr == "" {
		return nil
	}
	parts := splitAtTopLevelCommas(paramStr)

	var params []ParamInfo
	var pendingType string
	for i := len(parts) - 1; i >= 0; i-- {
		p := strings.TrimSpace(parts[i])
		if p == "" {
			continue
		}
		tokens := splitParamTokens(p)
		switch len(tokens) {
		case 0:
			continue
		case 1:
			if pendingType != "" {
				params = append(params, ParamInfo{Name: tokens[0], Type: pendingType})
			}
		default:
			baseType := NormalizeType(tokens[len(tokens)-1])
			name := tokens[0]
			pendingType = baseType
			params = append(params, ParamInfo{Name: name, Type: baseType})
		}
	}
	for i, j := 0, len(params)-1; i < j; i, j = i+1, j-1 {
		params[i], params[j] = params[j], params[i]
	}
	return params
}

// ExtractParamString extracts the parameter list from a declaration,
// e.g. "fn run(ctx: &Context, q: Querier) -> Result<()>" returns
// "ctx: &Context, q: Querier".
func ExtractParamString(sig string) string {
	idx, kwLen := findDeclKeyword(sig)
	if idx == -1 {
		return ""
	}
	pos := idx + kwLen
	pos = skipWhitespace(sig, pos)

	// Method receiver, e.g. "func (r *Type) Name(...)".
	if pos < len(sig) && sig[pos] == '(' {
		end := findMatchingParen(sig, pos)
		if end == -1 {
			return ""
		}
		pos = end + 1
	}

	pos = skipWhitespace(sig, pos)
	for pos < len(sig) && sig[pos] != '(' {
		pos++
	}
	if pos >= len(sig) {
		return ""
	}
	end := findMatchingParen(sig, pos)
	if end == -1 {
		return ""
	}
	return sig[pos+1 : end]
}

func findDeclKeyword(sig string) (idx, kwLen int) {
	best := -1
	bestLen := 0
	for _, kw := range declKeywords {
		if i := strings.Index(sig, kw); i != -1 && (best == -1 || i < best) {
			best = i
			bestLen = len(kw)
		}
	}
	return best, bestLen
}

// NormalizeType extracts the base type name from a declaration's
// parameter type expression.
//
//	"*Querier"        -> "Querier"
//	"&Querier"         -> "Querier"
//	"[]Querier"        -> "Querier"
//	"Vec<Querier>"     -> "Querier"
//	"tools.Querier"    -> "Querier"
//	"...string"        -> "string"
//	"fn(int) -> bool"  -> "fn"
func NormalizeType(t string) string {
	t = strings.TrimLeft(t, "*&")

	if strings.HasPrefix(t, "[]") {
		t = t[2:]
		t = strings.TrimLeft(t, "*&")
	}
	if strings.HasPrefix(t, "Vec<") && strings.HasSuffix(t, ">") {
		t = t[4 : len(t)-1]
	}

	t = strings.TrimPrefix(t, "...")

	if strings.HasPrefix(t, "fn") || strings.HasPrefix(t, "func") {
		return "fn"
	}

	if dot := strings.LastIndex(t, "."); dot >= 0 {
		t = t[dot+1:]
	}
	if colon := strings.LastIndex(t, "::"); colon >= 0 {
		t = t[colon+2:]
	}

	return t
}

func findMatchingParen(s string, pos int) int {
	depth := 0
	for i := pos; i < len(s); i++ {
		switch s[i] {
		case '(':
			depth++
		case ')':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

func splitAtTopLevelCommas(s string) []string {
	var parts []string
	depth := 0
	start := 0
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '(', '<':
			depth++
		case ')', '>':
			depth--
		case ',':
			if depth == 0 {
				parts = append(parts, s[start:i])
				start = i + 1
			}
		}
	}
	parts = append(parts, s[start:])
	return parts
}

func splitParamTokens(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	s = strings.TrimPrefix(s, "...")
	// Rust-style "name: Type" -> treat ':' like the separating space.
	s = strings.Replace(s, ":", " ", 1)

	var tokens []string
	i := 0
	for i < len(s) {
		for i < len(s) && (s[i] == ' ' || s[i] == '\t') {
			i++
		}
		if i >= len(s) {
			break
		}
		start := i
		if s[i] == '*' || s[i] == '&' || s[i] == '[' {
			tokens = append(tokens, s[start:])
			break
		}
		if strings.HasPrefix(s[i:], "fn") || strings.HasPrefix(s[i:], "func") {
			tokens = append(tokens, s[start:])
			break
		}
		for i < len(s) && s[i] != ' ' && s[i] != '\t' {
			if s[i] == '(' {
				end := findMatchingParen(s, i)
				if end == -1 {
					i = len(s)
				} else {
					i = end + 1
				}
			} else {
				i++
			}
		}
		token := s[start:i]
		if token != "" {
			tokens = append(tokens, token)
		}
	}
	return tokens
}

func skipWhitespace(s string, pos int) int {
	for pos < len(s) && (s[pos] == ' ' || s[pos] == '\t' || s[pos] == '\n') {
		pos++
	}
	return pos
}
