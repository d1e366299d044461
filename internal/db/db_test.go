package db

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOpenCreatesSchemaAndIsReentrant(t *testing.T) {
	path := filepath.Join(t.TempDir(), "learnly.db")

	conn, err := Open(path)
	require.NoError(t, err)

	for _, table := range []string{"documents", "chunks", "cards", "review_logs"} {
		var name string
		err := conn.QueryRow(`SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?`, table).Scan(&name)
		require.NoError(t, err, table)
	}
	require.NoError(t, conn.Close())

	conn, err = Open(path)
	require.NoError(t, err, "migrations must be safe to re-run")
	require.NoError(t, conn.Close())
}

func TestForeignKeysCascadeChunks(t *testing.T) {
	conn, err := Open(filepath.Join(t.TempDir(), "learnly.db"))
	require.NoError(t, err)
	defer conn.Close()

	res, err := conn.Exec(`INSERT INTO documents (content_hash, original_name, source, uploaded_at) VALUES ('h1', 'a.pdf', 'study_materials', CURRENT_TIMESTAMP)`)
	require.NoError(t, err)
	docID, err := res.LastInsertId()
	require.NoError(t, err)

	_, err = conn.Exec(`INSERT INTO chunks (id, document_id, filename, source, position, text, embedding) VALUES ('c1', ?, 'a.pdf', 'study_materials', 0, 'text', x'00')`, docID)
	require.NoError(t, err)

	_, err = conn.Exec(`DELETE FROM documents WHERE id = ?`, docID)
	require.NoError(t, err)

	var n int
	require.NoError(t, conn.QueryRow(`SELECT COUNT(*) FROM chunks`).Scan(&n))
	require.Zero(t, n)
}
