package infrastructure

import (
	"encoding/base64"
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
	"unicode"

	"github.com/golang/snappy"
)

const motherDuckPrefix = "md:"

// EncodeAttachParam compresses an attach target into a URL-safe token.
func EncodeAttachParam(target string) string {
	return base64.RawURLEncoding.EncodeToString(snappy.Encode(nil, []byte(target)))
}

// DecodeAttachParam reverses EncodeAttachParam.
func DecodeAttachParam(param string) (string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(param, "="))
	if err != nil {
		return "", fmt.Errorf("invalid attach parameter encoding: %w", err)
	}
	decoded, err := snappy.Decode(nil, raw)
	if err != nil {
		return "", fmt.Errorf("invalid attach parameter payload: %w", err)
	}
	if len(decoded) == 0 {
		return "", fmt.Errorf("empty attach target")
	}
	return string(decoded), nil
}

// IsMotherDuckTarget reports whether target names a MotherDuck database,
// either as md:<db> or motherduck://<db>.
func IsMotherDuckTarget(target string) bool {
	if strings.HasPrefix(target, motherDuckPrefix) {
		return true
	}
	u, err := url.Parse(target)
	return err == nil && u.Scheme == "motherduck"
}

// NormalizeAttachTarget rewrites motherduck://<db> into the md:<db> form
// DuckDB understands. Other targets are returned unchanged.
func NormalizeAttachTarget(target string) string {
	u, err := url.Parse(target)
	if err != nil || u.Scheme != "motherduck" {
		return target
	}
	name := u.Host
	if name == "" {
		name = strings.TrimPrefix(u.Opaque, "//")
	}
	name = strings.Trim(name+u.Path, "/")
	if u.RawQuery != "" {
		return motherDuckPrefix + name + "?" + u.RawQuery
	}
	return motherDuckPrefix + name
}

// InjectMotherDuckToken adds motherduck_token to a MotherDuck DSN unless it
// already carries one.
func InjectMotherDuckToken(dsn, token string) string {
	if token == "" || !IsMotherDuckTarget(dsn) {
		return dsn
	}
	dsn = NormalizeAttachTarget(dsn)
	if strings.Contains(dsn, "motherduck_token=") {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "motherduck_token=" + url.QueryEscape(token)
}

// AttachAlias derives a catalog alias from an attach target: the database
// name for MotherDuck, otherwise the file name without extension.
func AttachAlias(target string) string {
	target = NormalizeAttachTarget(target)
	var base string
	if strings.HasPrefix(target, motherDuckPrefix) {
		base, _, _ = strings.Cut(strings.TrimPrefix(target, motherDuckPrefix), "?")
	} else {
		if u, err := url.Parse(target); err == nil && u.Scheme != "" && u.Host != "" {
			target = u.Path
		}
		base = filepath.Base(target)
		base = strings.TrimSuffix(base, filepath.Ext(base))
	}

	alias := strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_' {
			return r
		}
		return '_'
	}, base)
	if alias == "" || alias == "." {
		return "attached"
	}
	return alias
}

// AttachStatement builds the ATTACH statement for target under alias.
func AttachStatement(target, alias string, readOnly bool) string {
	stmt := fmt.Sprintf("ATTACH IF NOT EXISTS %s AS %s",
		QuoteLiteral(NormalizeAttachTarget(target)), QuoteIdentifier(alias))
	if readOnly {
		stmt += " (READ_ONLY)"
	}
	return stmt
}
