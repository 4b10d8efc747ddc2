package schema

import (
	"strings"

	"github.com/alecthomas/participle/v2"
	"github.com/alecthomas/participle/v2/lexer"

	serrors "github.com/revred/sharc/errors"
)

// CREATE TABLE grammar. The dialect covers what the engine itself writes
// plus the common hand-written shapes: quoted identifiers in any of the
// three styles, IF NOT EXISTS, column constraints (PRIMARY KEY, NOT NULL,
// UNIQUE, DEFAULT, COLLATE, REFERENCES), table-level PRIMARY KEY / UNIQUE
// / FOREIGN KEY constraints, and WITHOUT ROWID.

var ddlLexer = lexer.MustSimple([]lexer.SimpleRule{
	{Name: "Whitespace", Pattern: `\s+`},
	{Name: "QuotedIdent", Pattern: "\"(?:[^\"]|\"\")*\"|\\[[^\\]]*\\]|`[^`]*`"},
	{Name: "String", Pattern: `'(?:[^']|'')*'`},
	{Name: "Number", Pattern: `[+-]?\d+(?:\.\d*)?(?:[eE][+-]?\d+)?`},
	{Name: "Ident", Pattern: `[A-Za-z_][A-Za-z0-9_$]*`},
	{Name: "Punct", Pattern: `[(),.;]`},
})

var ddlParser = participle.MustBuild[createTableStmt](
	participle.Lexer(ddlLexer),
	participle.Elide("Whitespace"),
	participle.CaseInsensitive("Ident"),
)

// identifier unquotes any of the three quoting styles on capture.
type identifier string

func (i *identifier) Capture(values []string) error {
	*i = identifier(unquoteIdent(values[0]))
	return nil
}

func unquoteIdent(s string) string {
	if len(s) >= 2 {
		switch {
		case s[0] == '"' && s[len(s)-1] == '"':
			return strings.ReplaceAll(s[1:len(s)-1], `""`, `"`)
		case s[0] == '[' && s[len(s)-1] == ']':
			return s[1 : len(s)-1]
		case s[0] == '`' && s[len(s)-1] == '`':
			return s[1 : len(s)-1]
		}
	}
	return s
}

type createTableStmt struct {
	IfNotExists  bool          `"CREATE" "TABLE" @("IF" "NOT" "EXISTS")?`
	Name         identifier    `@(Ident | QuotedIdent)`
	Entries      []*tableEntry `"(" @@ ("," @@)* ")"`
	WithoutRowid bool          `@("WITHOUT" "ROWID")? ";"?`
}

type tableEntry struct {
	Constraint *tableConstraint `@@`
	Column     *columnDef       `| @@`
}

type columnDef struct {
	Name  identifier    `@(Ident | QuotedIdent)`
	Parts []*columnPart `@@*`
}

// columnPart is either a constraint or one word of the declared type.
// Constraints are tried first so their keywords never leak into the type.
type columnPart struct {
	Constraint *columnConstraint `@@`
	TypeWord   *typeWord         `| @@`
}

type typeWord struct {
	Word string   `@Ident`
	Args []string `("(" @Number ("," @Number)* ")")?`
}

type columnConstraint struct {
	PrimaryKey *primaryKeyClause `@@`
	NotNull    bool              `| @("NOT" "NULL")`
	Null       bool              `| @"NULL"`
	Unique     bool              `| @"UNIQUE"`
	Default    *defaultClause    `| @@`
	Collate    *identifier       `| "COLLATE" @(Ident | QuotedIdent)`
	References *referencesClause `| @@`
}

type primaryKeyClause struct {
	Order         string `"PRIMARY" "KEY" @("ASC" | "DESC")?`
	Autoincrement bool   `@"AUTOINCREMENT"?`
}

type defaultClause struct {
	Paren   *defaultLiteral `"DEFAULT" ("(" @@ ")"`
	Literal *defaultLiteral `| @@)`
}

type defaultLiteral struct {
	Value string `@(Number | String | Ident)`
}

type referencesClause struct {
	Table   identifier   `"REFERENCES" @(Ident | QuotedIdent)`
	Columns []identifier `("(" @(Ident | QuotedIdent) ("," @(Ident | QuotedIdent))* ")")?`
	Actions []string     `("ON" @("DELETE" | "UPDATE") @("CASCADE" | "RESTRICT" | ("SET" ("NULL" | "DEFAULT")) | ("NO" "ACTION")))*`
}

type tableConstraint struct {
	ConstraintName *identifier  `("CONSTRAINT" @(Ident | QuotedIdent))?`
	PrimaryKey     []identifier `( "PRIMARY" "KEY" "(" @(Ident | QuotedIdent) ("," @(Ident | QuotedIdent))* ")"`
	Unique         []identifier `| "UNIQUE" "(" @(Ident | QuotedIdent) ("," @(Ident | QuotedIdent))* ")"`
	ForeignKey     *foreignKey  `| @@)`
}

type foreignKey struct {
	Columns    []identifier     `"FOREIGN" "KEY" "(" @(Ident | QuotedIdent) ("," @(Ident | QuotedIdent))* ")"`
	References referencesClause `@@`
}

// ParseCreateTable parses a CREATE TABLE statement into a TableInfo.
// The RootPage is left for the caller to fill from the catalog row.
func ParseCreateTable(sql string) (*TableInfo, error) {
	stmt, err := ddlParser.ParseString("", sql)
	if err != nil {
		return nil, serrors.NewArgument("sql", err.Error())
	}

	info := &TableInfo{
		Name:         string(stmt.Name),
		WithoutRowid: stmt.WithoutRowid,
		RowidAlias:   -1,
	}

	var tablePK []identifier
	for _, e := range stmt.Entries {
		if e.Constraint != nil {
			if e.Constraint.PrimaryKey != nil {
				tablePK = e.Constraint.PrimaryKey
			}
			continue
		}

		col := Column{
			Name:    string(e.Column.Name),
			Ordinal: len(info.Columns),
		}
		var typeWords []string
		for _, p := range e.Column.Parts {
			if p.TypeWord != nil {
				typeWords = append(typeWords, p.TypeWord.Word)
				continue
			}
			c := p.Constraint
			switch {
			case c.PrimaryKey != nil:
				col.PrimaryKey = true
			case c.NotNull:
				col.NotNull = true
			case c.Default != nil:
				if c.Default.Paren != nil {
					col.Default = c.Default.Paren.Value
				} else if c.Default.Literal != nil {
					col.Default = c.Default.Literal.Value
				}
			case c.Collate != nil:
				col.Collate = string(*c.Collate)
			case c.References != nil:
				col.References = string(c.References.Table)
			}
		}
		col.DeclaredType = strings.Join(typeWords, " ")
		info.Columns = append(info.Columns, col)
	}

	// A single-column table-level PRIMARY KEY marks that column too.
	if len(tablePK) == 1 {
		for i := range info.Columns {
			if strings.EqualFold(info.Columns[i].Name, string(tablePK[0])) {
				info.Columns[i].PrimaryKey = true
			}
		}
	}

	// Rowid alias: exactly one INTEGER PRIMARY KEY column on a rowid table.
	if !info.WithoutRowid {
		alias := -1
		count := 0
		for i, c := range info.Columns {
			if c.PrimaryKey {
				count++
				if strings.EqualFold(c.DeclaredType, "INTEGER") {
					alias = i
				}
			}
		}
		if count == 1 && alias >= 0 {
			info.RowidAlias = alias
		}
	}

	return info, nil
}
