package tunnel

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"

	"github.com/wancore-net/wancore/pkg/model"
)

// keyLen is the length of each PSK direction key in bytes.
const keyLen = 32

// hkdfInfo domain-separates the tunnel key expansion.
var hkdfInfo = []byte("wancore tunnel psk v1")

// GenerateTunnelKeys draws a fresh 32-byte master secret and expands it into
// the four symmetric direction keys of a PSK tunnel. Called exactly once per
// tunnel; the result is persisted and reused on every resync.
func GenerateTunnelKeys() (*model.TunnelKeys, error) {
	master := make([]byte, keyLen)
	if _, err := rand.Read(master); err != nil {
		return nil, fmt.Errorf("generating tunnel master secret: %w", err)
	}
	return expandTunnelKeys(master)
}

// expandTunnelKeys derives the four direction keys from a master secret via
// HKDF-SHA256.
func expandTunnelKeys(master []byte) (*model.TunnelKeys, error) {
	r := hkdf.New(sha256.New, master, nil, hkdfInfo)
	keys := make([]string, 4)
	buf := make([]byte, keyLen)
	for i := range keys {
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, fmt.Errorf("expanding tunnel keys: %w", err)
		}
		keys[i] = hex.EncodeToString(buf)
	}
	return &model.TunnelKeys{Key1: keys[0], Key2: keys[1], Key3: keys[2], Key4: keys[3]}, nil
}
