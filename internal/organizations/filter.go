// Package organizations maintains the cached organization snapshot and
// evaluates account selector expressions against it.
package organizations

import (
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/vikyol/awsideman/internal/core"
)

// Filter evaluates account selector expressions. Supported primaries:
//
//	*                     every ACTIVE account
//	id:<account-id>       literal id
//	name:<glob>           shell-style glob over account names
//	ou:<ou-id>            accounts directly under the OU
//	ou:<ou-id>:*          accounts anywhere under the OU
//	tag:<Key>=<Value>     exact match; a trailing * makes it a prefix match
//
// Primaries combine with AND, OR, NOT and parentheses. An exclude:<primary>
// or exclude:(<expr>) clause subtracts its matches from the surrounding
// result. Evaluation is case-sensitive except for the combinator keywords.
type Filter struct {
	accounts []core.Account
	// ouParents maps child OU id to parent id, for recursive ou: selectors.
	ouParents map[string]string
}

// NewFilter builds a filter over a snapshot's account set.
func NewFilter(snapshot *core.OrganizationSnapshot, ouParents map[string]string) *Filter {
	return &Filter{accounts: snapshot.Accounts, ouParents: ouParents}
}

// Evaluate returns the matching accounts ordered by account id, so previews
// and executions are deterministic.
func (f *Filter) Evaluate(expr string) ([]core.Account, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, fmt.Errorf("empty account selector")
	}

	p := &exprParser{tokens: tokenize(expr)}
	node, err := p.parseExpr()
	if err != nil {
		return nil, fmt.Errorf("parsing selector %q: %w", expr, err)
	}
	if !p.done() {
		return nil, fmt.Errorf("parsing selector %q: unexpected token %q", expr, p.peek())
	}

	var out []core.Account
	for _, acct := range f.accounts {
		ok, err := f.matches(node, acct)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, acct)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ValidateSelector checks selector syntax without evaluating it, for
// template structural validation.
func ValidateSelector(expr string) error {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return fmt.Errorf("empty account selector")
	}
	p := &exprParser{tokens: tokenize(expr)}
	if _, err := p.parseExpr(); err != nil {
		return err
	}
	if !p.done() {
		return fmt.Errorf("unexpected token %q", p.peek())
	}
	return nil
}

// expression tree

type nodeKind int

const (
	nodeAll nodeKind = iota
	nodeID
	nodeName
	nodeOU
	nodeTag
	nodeAnd
	nodeOr
	nodeNot
	nodeExclude
)

type exprNode struct {
	kind nodeKind

	value     string // id, name glob, ou id, or tag key
	tagValue  string
	recursive bool // ou:<id>:*

	left  *exprNode
	right *exprNode
}

func (f *Filter) matches(n *exprNode, acct core.Account) (bool, error) {
	switch n.kind {
	case nodeAll:
		return acct.IsActive(), nil
	case nodeID:
		return acct.ID == n.value, nil
	case nodeName:
		ok, err := path.Match(n.value, acct.Name)
		if err != nil {
			return false, fmt.Errorf("invalid name glob %q: %w", n.value, err)
		}
		return ok, nil
	case nodeOU:
		if acct.OuID == n.value {
			return true, nil
		}
		if !n.recursive {
			return false, nil
		}
		// Walk ancestors until the root. The parent map is finite and
		// acyclic, but cap the walk anyway.
		parent := f.ouParents[acct.OuID]
		for depth := 0; parent != "" && depth < 64; depth++ {
			if parent == n.value {
				return true, nil
			}
			parent = f.ouParents[parent]
		}
		return false, nil
	case nodeTag:
		got, ok := acct.Tags[n.value]
		if !ok {
			return false, nil
		}
		if strings.HasSuffix(n.tagValue, "*") {
			return strings.HasPrefix(got, strings.TrimSuffix(n.tagValue, "*")), nil
		}
		return got == n.tagValue, nil
	case nodeAnd:
		l, err := f.matches(n.left, acct)
		if err != nil || !l {
			return false, err
		}
		return f.matches(n.right, acct)
	case nodeOr:
		l, err := f.matches(n.left, acct)
		if err != nil {
			return false, err
		}
		if l {
			return true, nil
		}
		return f.matches(n.right, acct)
	case nodeNot:
		ok, err := f.matches(n.left, acct)
		return !ok, err
	case nodeExclude:
		l, err := f.matches(n.left, acct)
		if err != nil || !l {
			return false, err
		}
		excluded, err := f.matches(n.right, acct)
		if err != nil {
			return false, err
		}
		return !excluded, nil
	default:
		return false, fmt.Errorf("unknown selector node")
	}
}

// tokenizer

func tokenize(expr string) []string {
	var tokens []string
	var cur strings.Builder
	flush := func() {
		if cur.Len() > 0 {
			tokens = append(tokens, cur.String())
			cur.Reset()
		}
	}
	for _, r := range expr {
		switch r {
		case ' ', '\t':
			flush()
		case '(', ')':
			flush()
			tokens = append(tokens, string(r))
		default:
			cur.WriteRune(r)
		}
	}
	flush()
	return tokens
}

// parser: expr := term (OR term)* ; term := factor ((AND)? factor)* with
// explicit AND; factor := NOT factor | exclude-clause | '(' expr ')' | primary.
// An exclude clause binds to everything parsed before it in the expression.

type exprParser struct {
	tokens []string
	pos    int
}

func (p *exprParser) done() bool { return p.pos >= len(p.tokens) }

func (p *exprParser) peek() string {
	if p.done() {
		return ""
	}
	return p.tokens[p.pos]
}

func (p *exprParser) next() string {
	t := p.peek()
	p.pos++
	return t
}

func (p *exprParser) parseExpr() (*exprNode, error) {
	left, err := p.parseTerm()
	if err != nil {
		return nil, err
	}
	for {
		switch {
		case strings.EqualFold(p.peek(), "OR"):
			p.next()
			right, err := p.parseTerm()
			if err != nil {
				return nil, err
			}
			left = &exprNode{kind: nodeOr, left: left, right: right}
		case strings.HasPrefix(p.peek(), "exclude:"):
			clause, err := p.parseExclude()
			if err != nil {
				return nil, err
			}
			left = &exprNode{kind: nodeExclude, left: left, right: clause}
		default:
			return left, nil
		}
	}
}

func (p *exprParser) parseTerm() (*exprNode, error) {
	left, err := p.parseFactor()
	if err != nil {
		return nil, err
	}
	for strings.EqualFold(p.peek(), "AND") {
		p.next()
		right, err := p.parseFactor()
		if err != nil {
			return nil, err
		}
		left = &exprNode{kind: nodeAnd, left: left, right: right}
	}
	return left, nil
}

func (p *exprParser) parseFactor() (*exprNode, error) {
	tok := p.peek()
	switch {
	case tok == "":
		return nil, fmt.Errorf("unexpected end of selector")
	case strings.EqualFold(tok, "NOT"):
		p.next()
		inner, err := p.parseFactor()
		if err != nil {
			return nil, err
		}
		return &exprNode{kind: nodeNot, left: inner}, nil
	case tok == "(":
		p.next()
		inner, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		if p.next() != ")" {
			return nil, fmt.Errorf("missing closing parenthesis")
		}
		return inner, nil
	default:
		return p.parsePrimary()
	}
}

func (p *exprParser) parseExclude() (*exprNode, error) {
	tok := p.next()
	rest := strings.TrimPrefix(tok, "exclude:")
	if rest == "(" || rest == "" && p.peek() == "(" {
		// exclude:( expr ) — the tokenizer always splits the opening paren
		// into its own token, so the clause arrives as "exclude:" then "(".
		if rest == "" {
			p.next()
		}
		inner, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		if p.next() != ")" {
			return nil, fmt.Errorf("missing closing parenthesis in exclude clause")
		}
		return inner, nil
	}
	return primaryFromToken(rest)
}

func (p *exprParser) parsePrimary() (*exprNode, error) {
	return primaryFromToken(p.next())
}

func primaryFromToken(tok string) (*exprNode, error) {
	switch {
	case tok == "*":
		return &exprNode{kind: nodeAll}, nil
	case strings.HasPrefix(tok, "id:"):
		id := strings.TrimPrefix(tok, "id:")
		if len(id) != 12 {
			return nil, fmt.Errorf("account id %q must be 12 digits", id)
		}
		return &exprNode{kind: nodeID, value: id}, nil
	case strings.HasPrefix(tok, "name:"):
		return &exprNode{kind: nodeName, value: strings.TrimPrefix(tok, "name:")}, nil
	case strings.HasPrefix(tok, "ou:"):
		rest := strings.TrimPrefix(tok, "ou:")
		recursive := false
		if strings.HasSuffix(rest, ":*") {
			recursive = true
			rest = strings.TrimSuffix(rest, ":*")
		}
		if rest == "" {
			return nil, fmt.Errorf("ou selector is missing an id")
		}
		return &exprNode{kind: nodeOU, value: rest, recursive: recursive}, nil
	case strings.HasPrefix(tok, "tag:"):
		rest := strings.TrimPrefix(tok, "tag:")
		key, value, ok := strings.Cut(rest, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("tag selector %q must be tag:Key=Value", tok)
		}
		return &exprNode{kind: nodeTag, value: key, tagValue: value}, nil
	default:
		return nil, fmt.Errorf("unrecognized selector token %q", tok)
	}
}
