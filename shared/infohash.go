package shared

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/anacrolix/torrent/metainfo"
)

const (
	InfoHashV1Len = 20
	InfoHashV2Len = 32
)

// InfoHash holds the raw bytes of a v1 (SHA-1) or v2 (SHA-256) torrent
// identifier. The zero value is invalid.
type InfoHash string

func NewInfoHash(b []byte) (InfoHash, error) {
	if len(b) != InfoHashV1Len && len(b) != InfoHashV2Len {
		return "", fmt.Errorf("invalid infohash length %d", len(b))
	}
	return InfoHash(b), nil
}

// ParseInfoHash decodes the 40 or 64 character hex form.
func ParseInfoHash(s string) (InfoHash, error) {
	s = strings.TrimSpace(s)
	b, err := hex.DecodeString(s)
	if err != nil {
		return "", fmt.Errorf("invalid infohash %q: %w", s, err)
	}
	return NewInfoHash(b)
}

func FromV1(h metainfo.Hash) InfoHash {
	return InfoHash(h[:])
}

func (ih InfoHash) Valid() bool {
	return len(ih) == InfoHashV1Len || len(ih) == InfoHashV2Len
}

func (ih InfoHash) IsV2() bool {
	return len(ih) == InfoHashV2Len
}

func (ih InfoHash) Bytes() []byte {
	return []byte(ih)
}

func (ih InfoHash) HexString() string {
	return hex.EncodeToString([]byte(ih))
}

func (ih InfoHash) String() string {
	return ih.HexString()
}

// V1 returns the 20 byte form used on the DHT and by trackers. v2 hashes are
// truncated the way BEP 52 hybrid swarms address them.
func (ih InfoHash) V1() metainfo.Hash {
	var h metainfo.Hash
	copy(h[:], ih)
	return h
}

func (ih InfoHash) MarshalText() ([]byte, error) {
	return []byte(ih.HexString()), nil
}

func (ih *InfoHash) UnmarshalText(b []byte) error {
	v, err := ParseInfoHash(string(b))
	if err != nil {
		return err
	}
	*ih = v
	return nil
}
