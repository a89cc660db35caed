package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/icecream-fleet/coordinator/internal/config"
	"github.com/icecream-fleet/coordinator/internal/wire"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "cluster.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadAppliesDefaultsOverPartialFile(t *testing.T) {
	require := require.New(t)

	path := writeConfig(t, "max_robots: 5\n")
	c, err := config.Load(path)
	require.NoError(err)
	require.Equal(5, c.MaxRobots)
	require.Equal(2, c.MaxScreens)
	require.NotEmpty(c.Flavors)
}

func TestLoadMissingFile(t *testing.T) {
	require := require.New(t)

	_, err := config.Load("/nonexistent/path/cluster.yaml")
	require.Error(err)
	var cfgErr *wire.ConfigError
	require.ErrorAs(err, &cfgErr)
}

func TestLoadMalformedYAML(t *testing.T) {
	require := require.New(t)

	path := writeConfig(t, "max_robots: [this is not an int\n")
	_, err := config.Load(path)
	require.Error(err)
	var cfgErr *wire.ConfigError
	require.ErrorAs(err, &cfgErr)
}

func TestValidateRejectsDuplicateFlavor(t *testing.T) {
	require := require.New(t)

	c := config.Default()
	c.Flavors = append(c.Flavors, config.FlavorConfig{ID: 0, Name: "Vanilla2", InitialQty: 1})
	err := c.Validate()
	require.Error(err)
	var cfgErr *wire.ConfigError
	require.ErrorAs(err, &cfgErr)
}

func TestValidateRejectsBadProbability(t *testing.T) {
	require := require.New(t)

	c := config.Default()
	c.PaymentFailureProbability = 1.5
	require.Error(c.Validate())
}

func TestValidateRejectsNonPositiveTimeouts(t *testing.T) {
	require := require.New(t)

	c := config.Default()
	c.TokenTimeout = 0
	require.Error(c.Validate())

	c = config.Default()
	c.ExpectedServeTime = 0
	require.Error(c.Validate())
}

func TestAddressHelpersAreDistinctPerRole(t *testing.T) {
	require := require.New(t)

	c := config.Default()
	require.Equal("127.0.0.1:9000", c.RobotAddr(0))
	require.Equal("127.0.0.1:9500", c.ScreenAddr(0))
	require.Equal("127.0.0.1:13000", c.RobotLeaderAddr(0))
	require.NotEqual(c.RobotAddr(0), c.ScreenAddr(0))
}

func TestFlavorIDsAscending(t *testing.T) {
	require := require.New(t)

	c := config.Default()
	ids := c.FlavorIDs()
	for i := 1; i < len(ids); i++ {
		require.Less(ids[i-1], ids[i])
	}
}

func TestInitialQuantities(t *testing.T) {
	require := require.New(t)

	c := config.Default()
	qty := c.InitialQuantities()
	require.Equal(uint32(10), qty[0])
}
