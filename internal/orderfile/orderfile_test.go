package orderfile_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/icecream-fleet/coordinator/internal/orderfile"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "orders.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestReadParsesOrderList(t *testing.T) {
	require := require.New(t)

	path := writeFile(t, `[{"items":[{"flavor":0,"qty":2}]},{"items":[{"flavor":1,"qty":1},{"flavor":0,"qty":3}]}]`)
	reqs, err := orderfile.Read(path)
	require.NoError(err)
	require.Len(reqs, 2)
	require.Equal(uint32(2), reqs[0].Items[0].Qty)
	require.Len(reqs[1].Items, 2)
}

func TestReadRejectsDuplicateFlavorWithinOneOrder(t *testing.T) {
	require := require.New(t)

	path := writeFile(t, `[{"items":[{"flavor":0,"qty":1},{"flavor":0,"qty":1}]}]`)
	_, err := orderfile.Read(path)
	require.Error(err)
}

func TestReadMissingFile(t *testing.T) {
	require := require.New(t)

	_, err := orderfile.Read("/nonexistent/orders.json")
	require.Error(err)
}

func TestReadMalformedJSON(t *testing.T) {
	require := require.New(t)

	path := writeFile(t, `not json`)
	_, err := orderfile.Read(path)
	require.Error(err)
}

func TestReadEmptyArray(t *testing.T) {
	require := require.New(t)

	path := writeFile(t, `[]`)
	reqs, err := orderfile.Read(path)
	require.NoError(err)
	require.Empty(reqs)
}
