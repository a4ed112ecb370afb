package marklar

import (
	"fmt"
	"io"
	"os"

	pc "github.com/prataprc/goparsec"
)

// ----------------------------------------------------------------------------
// Parser Combinator(s)

// This section defines the Marklar grammar using goparsec's combinators. Ordered
// choice ('OrdChoice') never wraps its winning alternative in a node of its own: the
// tree ends up holding whichever concrete node matched. So a 'factor' position, say,
// surfaces directly as a "call" node, an "op_expr" node, or a bare
// "IDENT"/"INTLIT"/"STRING" leaf, and the walker below switches on GetName() to tell
// them apart.
//
// Two-character operators are listed before their one-character prefixes inside pOp
// (">>" before ">", "<=" before "<", etc.) so the longer token always wins. Inside
// pStmt, a bare 'VarDef ";"' is tried before 'VarDecl' (both start with 'TypeName
// Ident', split by the next token being ';' vs '='), and inside pFactor a 'Call' is
// tried before a bare 'Atom' so that f(x) is not mis-parsed as f.
//
// The grammar is recursive ('Stmt' contains 'If' contains 'Stmt', 'OpExpr' contains
// 'Factor' contains 'OpExpr'), which a chain of package-level var initializers cannot
// express. goparsec's escape hatch is passing a *Parser instead of a Parser (the
// reference is resolved lazily at parse time), so the two recursive productions are
// declared unbound here and assigned in init(), and every production that closes the
// cycle takes '&pStmt' / '&pOpExpr'.

var ast = pc.NewAST("marklar_program", 0)

var (
	pStmt   pc.Parser
	pOpExpr pc.Parser
)

func init() {
	pStmt = ast.OrdChoice("stmt", nil,
		pIntLitStmt, pReturnStmt, pCallStmt, pIf, pVarDefStmt, pVarDecl, pAssignStmt, pWhile,
	)

	// OpExpr is a flat left-associative chain: one Factor, then zero or more (Op
	// Factor) links. No precedence climbing of any kind.
	pOpExpr = ast.And("op_expr", nil, pFactor, ast.Kleene("op_chain", nil, pOpTerm))
}

var (
	pProgram  = ast.ManyUntil("program", nil, pTopLevel, pc.End())
	pTopLevel = ast.OrdChoice("top_level", nil, pUserType, pFunction)

	pUserType = ast.And("user_type", nil,
		pc.Atom("type", "TYPE"), pIdent, pLBrace,
		ast.Kleene("fields", nil, pFieldDef),
		pRBrace,
	)
	pFieldDef = ast.And("field", nil, pTypeName, pIdent, pSemi)

	pFunction = ast.And("function", nil,
		pTypeName, pIdent, pLParen,
		ast.Kleene("params", nil, pVarDef, pComma),
		pRParen, pLBrace,
		ast.Kleene("body", nil, &pStmt),
		pRBrace,
	)
	pVarDef = ast.And("var_def", nil, pTypeName, pIdent)
)

var (
	// A lone integer literal statement, permitted but inert.
	pIntLitStmt = ast.And("intlit_stmt", nil, pIntLit, pSemi)

	pReturnStmt = ast.And("return_stmt", nil,
		pc.Atom("return", "RETURN"), ast.OrdChoice("return_value", nil, pCall, &pOpExpr, pAtom), pSemi,
	)

	pCallStmt = ast.And("call_stmt", nil, pCall, pSemi)
	pCall     = ast.And("call", nil, pIdent, pLParen, ast.Kleene("args", nil, &pOpExpr, pComma), pRParen)

	pIf = ast.And("if", nil,
		pc.Atom("if", "IF"), pLParen, &pOpExpr, pRParen,
		pLBrace, ast.Kleene("then_body", nil, &pStmt), pRBrace,
		ast.Kleene("else_opt", nil, pElseClause),
	)
	pElseClause = ast.And("else_clause", nil,
		pc.Atom("else", "ELSE"), pLBrace, ast.Kleene("else_body", nil, &pStmt), pRBrace,
	)

	// A bare 'VarDef ";"' (a Definition with no initializer). Tried before pVarDecl
	// since both start with 'TypeName Ident'.
	pVarDefStmt = ast.And("var_def_stmt", nil, pVarDef, pSemi)

	pVarDecl = ast.And("var_decl", nil,
		pTypeName, pIdent, ast.Kleene("init_opt", nil, pInitClause), pSemi,
	)
	pInitClause = ast.And("init_clause", nil,
		pEquals, ast.OrdChoice("init_value", nil, &pOpExpr, pAtom),
	)

	pAssignStmt = ast.And("assign_stmt", nil,
		pIdent, pEquals, ast.OrdChoice("assign_value", nil, &pOpExpr, pAtom), pSemi,
	)

	pWhile = ast.And("while", nil,
		pc.Atom("while", "WHILE"), pLParen, &pOpExpr, pRParen,
		pLBrace, ast.Kleene("while_body", nil, &pStmt), pRBrace,
	)
)

var (
	pOpTerm    = ast.And("op_term", nil, pOp, pFactor)
	pFactor    = ast.OrdChoice("factor", nil, pParenExpr, pCall, pAtom, pQuotedString)
	pParenExpr = ast.And("paren_expr", nil, pLParen, &pOpExpr, pRParen)
	pAtom      = ast.OrdChoice("atom", nil, pIdent, pIntLit)

	// Longer tokens before their one-character prefixes.
	pOp = ast.OrdChoice("op", nil,
		pc.Atom(">>", "SHR"), pc.Atom("<<", "SHL"),
		pc.Atom(">=", "GE"), pc.Atom("<=", "LE"),
		pc.Atom("!=", "NE"), pc.Atom("==", "EQ"),
		pc.Atom("||", "OR"), pc.Atom("&&", "AND"),
		pc.Atom("+", "PLUS"), pc.Atom("-", "MINUS"),
		pc.Atom("<", "LT"), pc.Atom(">", "GT"),
		pc.Atom("%", "REM"), pc.Atom("/", "DIV"),
		pc.Atom("*", "MUL"), pc.Atom("&", "BAND"),
	)
)

var (
	pIdent        = pc.Token(`[A-Za-z_][A-Za-z_0-9']*`, "IDENT")
	pTypeName     = pc.Token(`[A-Za-z_][A-Za-z_0-9]*`, "TYPENAME")
	pIntLit       = pc.Token(`[0-9]+`, "INTLIT")
	pQuotedString = pc.Token(`"(?:[^"\\]|\\.)*"`, "STRING")

	pEquals = pc.Atom("=", "EQUALS")
	pSemi   = pc.Atom(";", "SEMI")
	pComma  = pc.Atom(",", "COMMA")
	pLBrace = pc.Atom("{", "LBRACE")
	pRBrace = pc.Atom("}", "RBRACE")
	pLParen = pc.Atom("(", "LPAREN")
	pRParen = pc.Atom(")", "RPAREN")
)

// ----------------------------------------------------------------------------
// Marklar Parser

// This section defines the Parser for Marklar. It splits text -> AST (FromSource, via
// goparsec) from AST -> typed tree (FromAST, a DFS walk over the generic pc.Queryable
// tree producing this package's own Node/Statement types). Debug feature flags are
// read from the environment: PARSEC_DEBUG, EXPORT_AST, PRINT_AST.
type Parser struct{ reader io.Reader }

// NewParser returns a Parser reading source text from r.
func NewParser(r io.Reader) Parser {
	return Parser{reader: r}
}

// Parse runs the full text -> AST -> Program pipeline.
func (p *Parser) Parse() (*Program, error) {
	content, err := io.ReadAll(p.reader)
	if err != nil {
		return nil, fmt.Errorf("cannot read from 'io.Reader': %w", err)
	}

	root, success := p.FromSource(content)
	if !success {
		return nil, &ParseError{Reason: "failed to parse AST from input content"}
	}

	return p.FromAST(root)
}

// FromSource scans source and returns a traversable AST, or false if the grammar
// failed to match (no partial AST is produced).
func (p *Parser) FromSource(source []byte) (pc.Queryable, bool) {
	if os.Getenv("PARSEC_DEBUG") != "" {
		ast.SetDebug()
	}

	root, scanner := ast.Parsewith(pProgram, pc.NewScanner(stripLineComments(source)))

	if os.Getenv("EXPORT_AST") != "" {
		file, _ := os.Create(fmt.Sprintf("%s/debug.ast.dot", os.Getenv("DEBUG_FOLDER")))
		defer file.Close()
		file.Write([]byte(ast.Dotstring("\"Marklar AST\"")))
	}
	if os.Getenv("PRINT_AST") != "" {
		ast.Prettyprint()
	}

	// pProgram only matches once its end-of-input anchor is reached, so a non-nil
	// root already implies the whole text was consumed.
	_ = scanner
	return root, root != nil
}

// stripLineComments blanks every '//' line comment (up to but not including the
// end-of-line) before the grammar ever sees the text. goparsec's scanner already eats
// whitespace between tokens, so comments are the only part of token skipping the
// grammar can't get for free. A '//' inside a quoted string literal is not a comment
// and survives untouched.
func stripLineComments(source []byte) []byte {
	out := make([]byte, 0, len(source))
	inString := false
	for i := 0; i < len(source); i++ {
		c := source[i]
		switch {
		case inString:
			out = append(out, c)
			if c == '\\' && i+1 < len(source) {
				out = append(out, source[i+1])
				i++
			} else if c == '"' {
				inString = false
			}
		case c == '"':
			inString = true
			out = append(out, c)
		case c == '/' && i+1 < len(source) && source[i+1] == '/':
			for i+1 < len(source) && source[i+1] != '\n' {
				i++
			}
		default:
			out = append(out, c)
		}
	}
	return out
}

// FromAST walks the raw parse tree into a *Program.
func (p *Parser) FromAST(root pc.Queryable) (*Program, error) {
	if root == nil || root.GetName() != "program" {
		return nil, &ParseError{Reason: "expected root node 'program'"}
	}

	prog := &Program{}
	for _, child := range root.GetChildren() {
		switch child.GetName() {
		case "user_type":
			ut, err := p.HandleUserType(child)
			if err != nil {
				return nil, err
			}
			prog.Children = append(prog.Children, ut)

		case "function":
			fn, err := p.HandleFunction(child)
			if err != nil {
				return nil, err
			}
			prog.Children = append(prog.Children, fn)

		default:
			return nil, &ParseError{Reason: fmt.Sprintf("unrecognized top-level node '%s'", child.GetName())}
		}
	}
	if len(prog.Children) == 0 {
		return nil, &ParseError{Reason: "expected at least one top-level declaration"}
	}
	return prog, nil
}

// HandleUserType converts a "user_type" node into a *UserType.
func (p *Parser) HandleUserType(node pc.Queryable) (*UserType, error) {
	children := node.GetChildren()
	if len(children) != 5 {
		return nil, &ParseError{Reason: fmt.Sprintf("malformed 'user_type' node, got %d children", len(children))}
	}

	ut := &UserType{Name: children[1].GetValue()}
	for _, f := range children[3].GetChildren() {
		field, err := p.HandleFieldDef(f)
		if err != nil {
			return nil, err
		}
		ut.Fields = append(ut.Fields, *field)
	}
	return ut, nil
}

// HandleFieldDef converts a "field" node (a struct field's 'VarDef ";"') into a Definition.
func (p *Parser) HandleFieldDef(node pc.Queryable) (*Definition, error) {
	children := node.GetChildren()
	if len(children) != 3 {
		return nil, &ParseError{Reason: fmt.Sprintf("malformed 'field' node, got %d children", len(children))}
	}
	return &Definition{TypeName: children[0].GetValue(), Name: children[1].GetValue()}, nil
}

// HandleVarDef converts a "var_def" node into a Definition.
func (p *Parser) HandleVarDef(node pc.Queryable) (*Definition, error) {
	children := node.GetChildren()
	if len(children) != 2 {
		return nil, &ParseError{Reason: fmt.Sprintf("malformed 'var_def' node, got %d children", len(children))}
	}
	return &Definition{TypeName: children[0].GetValue(), Name: children[1].GetValue()}, nil
}

// HandleFunction converts a "function" node into a *Function.
func (p *Parser) HandleFunction(node pc.Queryable) (*Function, error) {
	children := node.GetChildren()
	if len(children) != 8 {
		return nil, &ParseError{Reason: fmt.Sprintf("malformed 'function' node, got %d children", len(children))}
	}

	fn := &Function{
		ReturnType: children[0].GetValue(),
		Name:       children[1].GetValue(),
	}
	for _, pd := range children[3].GetChildren() {
		def, err := p.HandleVarDef(pd)
		if err != nil {
			return nil, err
		}
		fn.Params = append(fn.Params, *def)
	}
	for _, s := range children[6].GetChildren() {
		stmt, err := p.HandleStmt(s)
		if err != nil {
			return nil, err
		}
		fn.Body = append(fn.Body, stmt)
	}
	return fn, nil
}

// HandleStmt dispatches a single statement node to its concrete handler.
func (p *Parser) HandleStmt(node pc.Queryable) (Statement, error) {
	switch node.GetName() {
	case "intlit_stmt":
		children := node.GetChildren()
		return &LiteralStatement{Value: children[0].GetValue()}, nil

	case "return_stmt":
		return p.HandleReturn(node)

	case "call_stmt":
		children := node.GetChildren()
		if len(children) != 2 {
			return nil, &ParseError{Reason: fmt.Sprintf("malformed 'call_stmt' node, got %d children", len(children))}
		}
		return p.HandleCall(children[0])

	case "if":
		return p.HandleIf(node)

	case "var_def_stmt":
		children := node.GetChildren()
		if len(children) != 2 {
			return nil, &ParseError{Reason: fmt.Sprintf("malformed 'var_def_stmt' node, got %d children", len(children))}
		}
		return p.HandleVarDef(children[0])

	case "var_decl":
		return p.HandleVarDecl(node)

	case "assign_stmt":
		return p.HandleAssign(node)

	case "while":
		return p.HandleWhile(node)

	default:
		return nil, &ParseError{Reason: fmt.Sprintf("unrecognized statement node '%s'", node.GetName())}
	}
}

// HandleReturn converts a "return_stmt" node into a *Return.
func (p *Parser) HandleReturn(node pc.Queryable) (*Return, error) {
	children := node.GetChildren()
	if len(children) != 3 {
		return nil, &ParseError{Reason: fmt.Sprintf("malformed 'return_stmt' node, got %d children", len(children))}
	}
	value, err := p.nodeToValue(children[1])
	if err != nil {
		return nil, err
	}
	return &Return{Value: value}, nil
}

// HandleCall converts a "call" node into a *Call.
func (p *Parser) HandleCall(node pc.Queryable) (*Call, error) {
	children := node.GetChildren()
	if len(children) != 4 {
		return nil, &ParseError{Reason: fmt.Sprintf("malformed 'call' node, got %d children", len(children))}
	}

	call := &Call{Callee: children[0].GetValue()}
	for _, a := range children[2].GetChildren() {
		expr, err := p.HandleOpExpr(a)
		if err != nil {
			return nil, err
		}
		call.Args = append(call.Args, expr)
	}
	return call, nil
}

// HandleIf converts an "if" node into an *If.
func (p *Parser) HandleIf(node pc.Queryable) (*If, error) {
	children := node.GetChildren()
	if len(children) != 8 {
		return nil, &ParseError{Reason: fmt.Sprintf("malformed 'if' node, got %d children", len(children))}
	}

	cond, err := p.HandleCond(children[2])
	if err != nil {
		return nil, err
	}

	stmt := &If{Cond: cond}
	for _, s := range children[5].GetChildren() {
		st, err := p.HandleStmt(s)
		if err != nil {
			return nil, err
		}
		stmt.ThenBody = append(stmt.ThenBody, st)
	}

	elseOpt := children[7].GetChildren()
	if len(elseOpt) > 1 {
		return nil, &ParseError{Reason: fmt.Sprintf("expected at most one 'else' clause, got %d", len(elseOpt))}
	}
	if len(elseOpt) == 1 {
		elseClause := elseOpt[0]
		ec := elseClause.GetChildren()
		if len(ec) != 4 {
			return nil, &ParseError{Reason: fmt.Sprintf("malformed 'else_clause' node, got %d children", len(ec))}
		}
		for _, s := range ec[2].GetChildren() {
			st, err := p.HandleStmt(s)
			if err != nil {
				return nil, err
			}
			stmt.ElseBody = append(stmt.ElseBody, st)
		}
	}
	return stmt, nil
}

// HandleWhile converts a "while" node into a *While.
func (p *Parser) HandleWhile(node pc.Queryable) (*While, error) {
	children := node.GetChildren()
	if len(children) != 7 {
		return nil, &ParseError{Reason: fmt.Sprintf("malformed 'while' node, got %d children", len(children))}
	}

	cond, err := p.HandleCond(children[2])
	if err != nil {
		return nil, err
	}

	stmt := &While{Cond: cond}
	for _, s := range children[5].GetChildren() {
		st, err := p.HandleStmt(s)
		if err != nil {
			return nil, err
		}
		stmt.Body = append(stmt.Body, st)
	}
	return stmt, nil
}

// HandleVarDecl converts a "var_decl" node into a *Declaration.
func (p *Parser) HandleVarDecl(node pc.Queryable) (*Declaration, error) {
	children := node.GetChildren()
	if len(children) != 4 {
		return nil, &ParseError{Reason: fmt.Sprintf("malformed 'var_decl' node, got %d children", len(children))}
	}

	decl := &Declaration{TypeName: children[0].GetValue(), Name: children[1].GetValue()}

	initOpt := children[2].GetChildren()
	if len(initOpt) > 1 {
		return nil, &ParseError{Reason: fmt.Sprintf("expected at most one initializer, got %d", len(initOpt))}
	}
	if len(initOpt) == 1 {
		ic := initOpt[0].GetChildren()
		if len(ic) != 2 {
			return nil, &ParseError{Reason: fmt.Sprintf("malformed 'init_clause' node, got %d children", len(ic))}
		}
		init, err := p.nodeToValue(ic[1])
		if err != nil {
			return nil, err
		}
		decl.Init = init
	}
	return decl, nil
}

// HandleAssign converts an "assign_stmt" node into an *Assignment.
func (p *Parser) HandleAssign(node pc.Queryable) (*Assignment, error) {
	children := node.GetChildren()
	if len(children) != 4 {
		return nil, &ParseError{Reason: fmt.Sprintf("malformed 'assign_stmt' node, got %d children", len(children))}
	}
	rhs, err := p.nodeToValue(children[2])
	if err != nil {
		return nil, err
	}
	return &Assignment{Name: children[0].GetValue(), Rhs: rhs}, nil
}

// HandleCond converts an "op_expr" node into a BinaryOp value: If/While conditions
// are always typed as BinaryOp (not bare Node), even when the chain carries zero
// operators.
func (p *Parser) HandleCond(node pc.Queryable) (BinaryOp, error) {
	expr, err := p.HandleOpExpr(node)
	if err != nil {
		return BinaryOp{}, err
	}
	if bin, ok := expr.(*BinaryOp); ok {
		return *bin, nil
	}
	return BinaryOp{Lhs: expr}, nil
}

// HandleOpExpr converts an "op_expr" node into either its bare factor (zero operators)
// or a *BinaryOp (one or more).
func (p *Parser) HandleOpExpr(node pc.Queryable) (Node, error) {
	children := node.GetChildren()
	if len(children) != 2 {
		return nil, &ParseError{Reason: fmt.Sprintf("malformed 'op_expr' node, got %d children", len(children))}
	}

	lhs, err := p.nodeToExpr(children[0])
	if err != nil {
		return nil, err
	}

	chain := children[1].GetChildren()
	if len(chain) == 0 {
		return lhs, nil
	}

	bin := &BinaryOp{Lhs: lhs}
	for _, termNode := range chain {
		tc := termNode.GetChildren()
		if len(tc) != 2 {
			return nil, &ParseError{Reason: fmt.Sprintf("malformed 'op_term' node, got %d children", len(tc))}
		}
		rhs, err := p.nodeToExpr(tc[1])
		if err != nil {
			return nil, err
		}
		bin.Ops = append(bin.Ops, OpTerm{Op: tc[0].GetValue(), Rhs: rhs})
	}
	return bin, nil
}

// nodeToExpr converts a 'Factor' position node (whatever OrdChoice's unwrapping left
// there: a "paren_expr", a "call", or a bare IDENT/INTLIT/STRING leaf) into a Node.
func (p *Parser) nodeToExpr(node pc.Queryable) (Node, error) {
	switch node.GetName() {
	case "paren_expr":
		children := node.GetChildren()
		if len(children) != 3 {
			return nil, &ParseError{Reason: fmt.Sprintf("malformed 'paren_expr' node, got %d children", len(children))}
		}
		return p.HandleOpExpr(children[1])

	case "call":
		return p.HandleCall(node)

	case "IDENT", "INTLIT", "STRING":
		return &Identifier{Name: node.GetValue()}, nil

	default:
		return nil, &ParseError{Reason: fmt.Sprintf("unrecognized factor node '%s'", node.GetName())}
	}
}

// nodeToValue converts a 'Call | OpExpr | Atom' position node (the shape shared by a
// return's value, an assignment's r.h.s. and a declaration's initializer) into a Node.
func (p *Parser) nodeToValue(node pc.Queryable) (Node, error) {
	switch node.GetName() {
	case "call":
		return p.HandleCall(node)
	case "op_expr":
		return p.HandleOpExpr(node)
	case "IDENT", "INTLIT", "STRING":
		return &Identifier{Name: node.GetValue()}, nil
	default:
		return nil, &ParseError{Reason: fmt.Sprintf("unrecognized value node '%s'", node.GetName())}
	}
}
