package bitcoin

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// NewLevelDB opens the daemon's local database. It backs the spend index,
// the graph store and the presigned transaction store. An empty path yields
// an in-memory database, used by tests.
func NewLevelDB(path string, compactOnInit bool) (*leveldb.DB, error) {
	if path == "" {
		memStorage := storage.NewMemStorage()
		return leveldb.Open(memStorage, nil)
	}

	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open level db %s: %w", path, err)
	}

	// the spend index churns, compacting on start keeps reads predictable
	if compactOnInit {
		log.Info().Str("path", path).Msg("compacting leveldb...")
		if err := db.CompactRange(util.Range{}); err != nil {
			return nil, fmt.Errorf("failed to compact level db %s: %w", path, err)
		}
		log.Info().Str("path", path).Msg("leveldb compacted")
	}

	return db, nil
}
