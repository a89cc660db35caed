// Package config loads the cluster-wide configuration named in spec §6:
// MAX_ROBOTS, MAX_SCREENS, FLAVORS, INITIAL_QTY, TOKEN_TIMEOUT,
// RECONNECT_BACKOFF, PAYMENT_FAILURE_PROBABILITY. A malformed or
// incomplete file is a fatal ConfigError at startup (spec §7).
package config

import (
	"fmt"
	"os"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/icecream-fleet/coordinator/internal/wire"
)

// DefaultRobotBase and DefaultScreenBase are the default per-role address
// bases (Cluster.RobotBase, Cluster.ScreenBase): robot id i binds
// 127.0.0.1:<RobotBase+i>, screen id i binds 127.0.0.1:<ScreenBase+i>
// (spec §6 Addressing).
const (
	DefaultRobotBase  = 9000
	DefaultScreenBase = 9500

	// leaderPortOffset is an implementation-internal detail, not named by
	// spec §6: the current robot leader additionally listens on
	// RobotBase+id+leaderPortOffset for screen connections, distinct
	// from the ring port used for robot-to-robot traffic. Only the
	// robot that currently holds leadership has this port open, which
	// is how a screen locates "whichever robot is the current leader"
	// without a dedicated discovery message (see DESIGN.md).
	leaderPortOffset = 4000
)

// Cluster is the parsed configuration shared by every robot and screen
// process in one run.
type Cluster struct {
	MaxRobots  int             `yaml:"max_robots"`
	MaxScreens int             `yaml:"max_screens"`
	RobotBase  int             `yaml:"robot_base"`
	ScreenBase int             `yaml:"screen_base"`
	Flavors    []FlavorConfig  `yaml:"flavors"`

	TokenTimeout             time.Duration `yaml:"token_timeout"`
	ReconnectBackoffMin      time.Duration `yaml:"reconnect_backoff_min"`
	ReconnectBackoffMax      time.Duration `yaml:"reconnect_backoff_max"`
	PaymentFailureProbability float64      `yaml:"payment_failure_probability"`

	// ExpectedServeTime is the simulated duration a robot spends serving
	// one flavor once it holds that flavor's token; spec §4.4 names it
	// only as the unit TOKEN_TIMEOUT's suggested default is expressed
	// in ("neighbors x 5 x expected-serve-time"), not as a top-level
	// config key, so it lives here with the rest of the timing knobs.
	ExpectedServeTime time.Duration `yaml:"expected_serve_time"`
}

// FlavorConfig names one entry of the closed FLAVORS enumeration and its
// INITIAL_QTY.
type FlavorConfig struct {
	ID          wire.FlavorId `yaml:"id"`
	Name        string        `yaml:"name"`
	InitialQty  uint32        `yaml:"initial_qty"`
}

// Load reads and validates a cluster configuration file. Every failure
// path returns a *wire.ConfigError, matching spec §7's "ConfigError is
// fatal at startup."
func Load(path string) (*Cluster, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &wire.ConfigError{Detail: fmt.Sprintf("reading %s: %v", path, err)}
	}
	c := Default()
	if err := yaml.Unmarshal(data, c); err != nil {
		return nil, &wire.ConfigError{Detail: fmt.Sprintf("parsing %s: %v", path, err)}
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Default returns a Cluster with every non-enumerable field filled in, so
// that a config file only needs to override what it cares about.
func Default() *Cluster {
	return &Cluster{
		MaxRobots:                 3,
		MaxScreens:                2,
		RobotBase:                 DefaultRobotBase,
		ScreenBase:                DefaultScreenBase,
		TokenTimeout:              2 * time.Second,
		ReconnectBackoffMin:       50 * time.Millisecond,
		ReconnectBackoffMax:       2 * time.Second,
		PaymentFailureProbability: 0,
		ExpectedServeTime:         20 * time.Millisecond,
		Flavors: []FlavorConfig{
			{ID: 0, Name: "Vanilla", InitialQty: 10},
			{ID: 1, Name: "Chocolate", InitialQty: 10},
			{ID: 2, Name: "Strawberry", InitialQty: 10},
		},
	}
}

// Validate checks the invariants the rest of the system assumes hold.
func (c *Cluster) Validate() error {
	if c.MaxRobots <= 0 {
		return &wire.ConfigError{Detail: "max_robots must be positive"}
	}
	if c.MaxScreens <= 0 {
		return &wire.ConfigError{Detail: "max_screens must be positive"}
	}
	if len(c.Flavors) == 0 {
		return &wire.ConfigError{Detail: "flavors must not be empty"}
	}
	seen := map[wire.FlavorId]bool{}
	for _, f := range c.Flavors {
		if seen[f.ID] {
			return &wire.ConfigError{Detail: fmt.Sprintf("duplicate flavor id %d", f.ID)}
		}
		seen[f.ID] = true
	}
	if c.TokenTimeout <= 0 {
		return &wire.ConfigError{Detail: "token_timeout must be positive"}
	}
	if c.ExpectedServeTime <= 0 {
		return &wire.ConfigError{Detail: "expected_serve_time must be positive"}
	}
	if c.PaymentFailureProbability < 0 || c.PaymentFailureProbability > 1 {
		return &wire.ConfigError{Detail: "payment_failure_probability must be in [0,1]"}
	}
	return nil
}

// RobotAddr returns the well-known bind/dial address for robot id.
func (c *Cluster) RobotAddr(id wire.RobotId) string {
	return fmt.Sprintf("127.0.0.1:%d", c.RobotBase+int(id))
}

// ScreenAddr returns the well-known bind/dial address for screen id.
func (c *Cluster) ScreenAddr(id wire.ScreenId) string {
	return fmt.Sprintf("127.0.0.1:%d", c.ScreenBase+int(id))
}

// RobotLeaderAddr returns the address at which robot id listens for
// screen connections while (and only while) it holds leadership.
func (c *Cluster) RobotLeaderAddr(id wire.RobotId) string {
	return fmt.Sprintf("127.0.0.1:%d", c.RobotBase+int(id)+leaderPortOffset)
}

// InitialQuantities returns the INITIAL_QTY for every configured flavor.
func (c *Cluster) InitialQuantities() map[wire.FlavorId]uint32 {
	out := make(map[wire.FlavorId]uint32, len(c.Flavors))
	for _, f := range c.Flavors {
		out[f.ID] = f.InitialQty
	}
	return out
}

// FlavorIDs returns the closed set of flavor ids in ascending order, the
// deterministic serve order required by spec §4.5.
func (c *Cluster) FlavorIDs() []wire.FlavorId {
	ids := make([]wire.FlavorId, len(c.Flavors))
	for i, f := range c.Flavors {
		ids[i] = f.ID
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
