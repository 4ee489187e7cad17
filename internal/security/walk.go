package security

import "go.starlark.net/syntax"

// walk visits n and its descendants in source order, calling visit for each
// node. Children are skipped when visit returns false. Unlike syntax.Walk it
// understands while loops and never panics on an unknown node type.
func walk(n syntax.Node, visit func(syntax.Node) bool) {
	if n == nil || !visit(n) {
		return
	}
	switch n := n.(type) {
	case *syntax.File:
		walkStmts(n.Stmts, visit)
	case *syntax.ExprStmt:
		walk(n.X, visit)
	case *syntax.IfStmt:
		walk(n.Cond, visit)
		walkStmts(n.True, visit)
		walkStmts(n.False, visit)
	case *syntax.AssignStmt:
		walk(n.LHS, visit)
		walk(n.RHS, visit)
	case *syntax.DefStmt:
		walk(n.Name, visit)
		walkExprs(n.Params, visit)
		walkStmts(n.Body, visit)
	case *syntax.ForStmt:
		walk(n.Vars, visit)
		walk(n.X, visit)
		walkStmts(n.Body, visit)
	case *syntax.WhileStmt:
		walk(n.Cond, visit)
		walkStmts(n.Body, visit)
	case *syntax.ReturnStmt:
		if n.Result != nil {
			walk(n.Result, visit)
		}
	case *syntax.LoadStmt:
		walk(n.Module, visit)
	case *syntax.ListExpr:
		walkExprs(n.List, visit)
	case *syntax.TupleExpr:
		walkExprs(n.List, visit)
	case *syntax.DictExpr:
		walkExprs(n.List, visit)
	case *syntax.DictEntry:
		walk(n.Key, visit)
		walk(n.Value, visit)
	case *syntax.ParenExpr:
		walk(n.X, visit)
	case *syntax.CondExpr:
		walk(n.Cond, visit)
		walk(n.True, visit)
		walk(n.False, visit)
	case *syntax.IndexExpr:
		walk(n.X, visit)
		walk(n.Y, visit)
	case *syntax.SliceExpr:
		walk(n.X, visit)
		walkOptional(visit, n.Lo, n.Hi, n.Step)
	case *syntax.Comprehension:
		walk(n.Body, visit)
		for _, clause := range n.Clauses {
			walk(clause, visit)
		}
	case *syntax.ForClause:
		walk(n.Vars, visit)
		walk(n.X, visit)
	case *syntax.IfClause:
		walk(n.Cond, visit)
	case *syntax.UnaryExpr:
		if n.X != nil {
			walk(n.X, visit)
		}
	case *syntax.BinaryExpr:
		walk(n.X, visit)
		walk(n.Y, visit)
	case *syntax.DotExpr:
		walk(n.X, visit)
	case *syntax.CallExpr:
		walk(n.Fn, visit)
		walkExprs(n.Args, visit)
	case *syntax.LambdaExpr:
		walkExprs(n.Params, visit)
		walk(n.Body, visit)
	}
}

func walkStmts(stmts []syntax.Stmt, visit func(syntax.Node) bool) {
	for _, s := range stmts {
		walk(s, visit)
	}
}

func walkExprs(exprs []syntax.Expr, visit func(syntax.Node) bool) {
	for _, x := range exprs {
		walk(x, visit)
	}
}

func walkOptional(visit func(syntax.Node) bool, exprs ...syntax.Expr) {
	for _, x := range exprs {
		if x != nil {
			walk(x, visit)
		}
	}
}

// dottedName flattens an identifier or attribute chain such as os.path.join.
// It returns "" for any other expression.
func dottedName(x syntax.Expr) string {
	switch x := x.(type) {
	case *syntax.Ident:
		return x.Name
	case *syntax.DotExpr:
		prefix := dottedName(x.X)
		if prefix == "" {
			return ""
		}
		return prefix + "." + x.Name.Name
	case *syntax.ParenExpr:
		return dottedName(x.X)
	}
	return ""
}
