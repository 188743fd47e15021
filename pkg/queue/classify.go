package queue

import (
	"regexp"
	"strings"
)

// StatementType is the coarse kind of a SQL statement.
type StatementType int

const (
	StatementTypeOther   StatementType = iota // unrecognized
	StatementTypeDQL                          // SELECT, WITH, VALUES, TABLE, FROM
	StatementTypeDDL                          // CREATE, DROP, ALTER, ...
	StatementTypeDML                          // INSERT, UPDATE, DELETE, ...
	StatementTypeTCL                          // BEGIN, COMMIT, ROLLBACK, ...
	StatementTypeUtility                      // SHOW, DESCRIBE, PRAGMA, ATTACH, ...
)

// String returns the string representation of the statement type.
func (st StatementType) String() string {
	switch st {
	case StatementTypeDQL:
		return "DQL"
	case StatementTypeDDL:
		return "DDL"
	case StatementTypeDML:
		return "DML"
	case StatementTypeTCL:
		return "TCL"
	case StatementTypeUtility:
		return "UTILITY"
	default:
		return "OTHER"
	}
}

// Mutates reports whether statements of this type change the database or
// the session rather than producing a relation.
func (st StatementType) Mutates() bool {
	return st == StatementTypeDDL || st == StatementTypeDML || st == StatementTypeTCL
}

var statementPatterns = []struct {
	re  *regexp.Regexp
	typ StatementType
}{
	{regexp.MustCompile(`(?i)^(SELECT|WITH|VALUES|TABLE|FROM)\b`), StatementTypeDQL},
	{regexp.MustCompile(`^\(`), StatementTypeDQL},
	{regexp.MustCompile(`(?i)^(CREATE|DROP|ALTER|TRUNCATE|COMMENT\s+ON|RENAME)\b`), StatementTypeDDL},
	{regexp.MustCompile(`(?i)^(INSERT|UPDATE|DELETE|MERGE|UPSERT|COPY)\b`), StatementTypeDML},
	{regexp.MustCompile(`(?i)^(BEGIN|START\s+TRANSACTION|COMMIT|ROLLBACK|ABORT|SAVEPOINT|RELEASE)\b`), StatementTypeTCL},
	{regexp.MustCompile(`(?i)^(SHOW|DESCRIBE|DESC|EXPLAIN|SUMMARIZE|PRAGMA|SET|RESET|USE|ATTACH|DETACH|INSTALL|LOAD|CALL|CHECKPOINT|VACUUM|ANALYZE|EXPORT|IMPORT)\b`), StatementTypeUtility},
}

// Classify returns the type of a single statement. Leading comments and
// whitespace are ignored.
func Classify(stmt string) StatementType {
	stmt = stripLeadingComments(stmt)
	for _, p := range statementPatterns {
		if p.re.MatchString(stmt) {
			return p.typ
		}
	}
	return StatementTypeOther
}

func stripLeadingComments(s string) string {
	for {
		s = strings.TrimSpace(s)
		switch {
		case strings.HasPrefix(s, "--"):
			end := strings.IndexByte(s, '\n')
			if end < 0 {
				return ""
			}
			s = s[end+1:]
		case strings.HasPrefix(s, "/*"):
			end := strings.Index(s, "*/")
			if end < 0 {
				return ""
			}
			s = s[end+2:]
		default:
			return s
		}
	}
}
