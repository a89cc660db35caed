// Package orderfile reads the orders-file a screen process is launched
// with (spec §6 CLI surface: "screen <id> <orders-file>"). The reader
// itself is explicitly out of scope per spec §1; this is the minimal
// external-collaborator shape the 2PC coordinator needs to have orders to
// submit.
package orderfile

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/icecream-fleet/coordinator/internal/wire"
)

// Request is one order as it appears in the file, before a local
// sequence number and screen id are attached.
type Request struct {
	Items []wire.Item `json:"items"`
}

// Read parses a JSON array of Request from path.
func Read(path string) ([]Request, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("orderfile: reading %s: %w", path, err)
	}
	var reqs []Request
	if err := json.Unmarshal(data, &reqs); err != nil {
		return nil, fmt.Errorf("orderfile: parsing %s: %w", path, err)
	}
	for i, r := range reqs {
		seen := map[wire.FlavorId]bool{}
		for _, it := range r.Items {
			if seen[it.Flavor] {
				return nil, fmt.Errorf("orderfile: order %d duplicates flavor %d", i, it.Flavor)
			}
			seen[it.Flavor] = true
		}
	}
	return reqs, nil
}
