// Package identity persists a node's 160-bit self id across restarts, so a
// node rejoins the DHT under the same identifier instead of re-randomizing
// its position in the keyspace every time it starts. Grounded on the
// teacher's PersistentIdentity/SaveIdentity/LoadIdentity
// (internal/network/mesh.go), generalized from a libp2p peer key pair to a
// bare identifier.ID.
package identity

import (
	"crypto/rand"
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/kadefs/kadefs/internal/identifier"
)

const fileName = "node_identity.json"

type persisted struct {
	ID string `json:"id"`
}

// LoadOrCreate reads the node id persisted under dataDir, or mints a fresh
// random one and persists it if none exists yet.
func LoadOrCreate(dataDir string) (identifier.ID, error) {
	path := filepath.Join(dataDir, fileName)

	data, err := os.ReadFile(path)
	if err == nil {
		var p persisted
		if err := json.Unmarshal(data, &p); err != nil {
			return identifier.ID{}, err
		}
		id, err := identifier.FromHex(p.ID)
		if err != nil {
			return identifier.ID{}, err
		}
		return id, nil
	}
	if !os.IsNotExist(err) {
		return identifier.ID{}, err
	}

	var seed [identifier.Size]byte
	if _, err := rand.Read(seed[:]); err != nil {
		return identifier.ID{}, err
	}
	id := identifier.Digest(seed[:])

	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return identifier.ID{}, err
	}
	out, err := json.Marshal(persisted{ID: id.String()})
	if err != nil {
		return identifier.ID{}, err
	}
	if err := os.WriteFile(path, out, 0o600); err != nil {
		return identifier.ID{}, err
	}
	return id, nil
}
