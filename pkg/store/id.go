package store

import (
	"strings"

	"github.com/google/uuid"

	"github.com/TFMV/duckdash/pkg/models"
)

var relationNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("duckdash:relation"))

// RelationID returns the deterministic id of the relation opened from
// source at path on a connection.
func RelationID(connectionID string, source models.RelationSource, path []string) string {
	key := strings.Join([]string{
		connectionID,
		string(source.Kind),
		strings.Join(path, "\x1f"),
		source.Query,
	}, "\x00")
	return uuid.NewSHA1(relationNamespace, []byte(key)).String()
}
