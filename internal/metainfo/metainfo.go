// Package metainfo parses BEP 3.torrent files (plus BEP 52 v2/hybrid
// extensions) and magnet URIs, and computes the info-hash identity used as a
// map key everywhere else in the engine.
package metainfo

import (
	"crypto/sha1"
	"fmt"
	"io"
	"net/url"
	"strconv"
	"strings"

	"github.com/ccBitTorrent/ccbt-sub001/internal/bencode"
	"github.com/ccBitTorrent/ccbt-sub001/internal/ccerr"
)

// InfoHash is the 20-byte SHA-1 identity of a torrent's info dict.
type InfoHash [20]byte

func (h InfoHash) String() string { return fmt.Sprintf("%x", h[:]) }

func InfoHashFromHex(s string) (InfoHash, error) {
	var h InfoHash
	if len(s) != 40 {
		return h, fmt.Errorf("info-hash hex must be 40 chars, got %d", len(s))
	}
	b, err := hexDecode(s)
	if err != nil {
		return h, err
	}
	copy(h[:], b)
	return h, nil
}

func hexDecode(s string) ([]byte, error) {
	b := make([]byte, len(s)/2)
	for i := range b {
		var v int
		if _, err := fmt.Sscanf(s[i*2:i*2+2], "%02x", &v); err != nil {
			return nil, err
		}
		b[i] = byte(v)
	}
	return b, nil
}

// FileEntry is one file within a (possibly multi-file) torrent.
type FileEntry struct {
	Path []string `bencode:"path"`
	Length int64 `bencode:"length"`
}

// Info is the decoded "info" dictionary.
type Info struct {
	PieceLength int64 `bencode:"piece length"`
	Pieces []byte `bencode:"pieces,omitempty"`
	Name string `bencode:"name"`
	Length int64 `bencode:"length,omitempty"`
	Files []FileEntry `bencode:"files,omitempty"`

	// BEP 52 hybrid/v2 fields. MetaVersion == 2 marks a hybrid torrent; when
	// set, the top-level "piece layers" dict (MetaInfo.PieceLayers) MUST
	// coexist with the v1 Pieces field above.
	MetaVersion int `bencode:"meta version,omitempty"`
	FileTree bencode.Dict `bencode:"file tree,omitempty"`
}

// MetaInfo is the fully parsed.torrent document.
type MetaInfo struct {
	Info *Info
	RawInfo bencode.RawMessage `bencode:"info"`
	Announce string `bencode:"announce"`
	AnnounceList [][]string `bencode:"announce-list,omitempty"`
	CreationDate int64 `bencode:"creation date,omitempty"`
	Comment string `bencode:"comment,omitempty"`
	CreatedBy string `bencode:"created by,omitempty"`
	Encoding string `bencode:"encoding,omitempty"`
	PieceLayers bencode.Dict `bencode:"piece layers,omitempty"`

	infoHash InfoHash
}

// Parse decodes a.torrent file from r and validates its structural
// invariants.
func Parse(r io.Reader) (*MetaInfo, error) {
	var mi MetaInfo
	if err := bencode.NewDecoder(r).Decode(&mi); err != nil {
		return nil, fmt.Errorf("bencode: %w", err)
	}
	if len(mi.RawInfo) == 0 {
		return nil, ccerr.Protocol("metainfo.Parse", fmt.Errorf("missing info dict"))
	}
	var info Info
	if err := bencode.Unmarshal(mi.RawInfo, &info); err != nil {
		return nil, ccerr.Protocol("metainfo.Parse", fmt.Errorf("decoding info dict: %w", err))
	}
	mi.Info = &info
	mi.infoHash = sha1.Sum(mi.RawInfo)

	if err := mi.validate(); err != nil {
		return nil, err
	}
	return &mi, nil
}

// FromInfoBytes builds a MetaInfo from a raw bencoded info dict plus the tracker list
// carried by the originating magnet URI. The caller is responsible for
// checking the resulting InfoHash against the magnet's xt before trusting it.
func FromInfoBytes(rawInfo []byte, trackers []string) (*MetaInfo, error) {
	var info Info
	if err := bencode.Unmarshal(rawInfo, &info); err != nil {
		return nil, ccerr.Protocol("metainfo.FromInfoBytes", fmt.Errorf("decoding info dict: %w", err))
	}
	mi := &MetaInfo{
		Info: &info,
		RawInfo: rawInfo,
		infoHash: sha1.Sum(rawInfo),
	}
	if len(trackers) > 0 {
		mi.Announce = trackers[0]
		mi.AnnounceList = [][]string{trackers}
	}
	if err := mi.validate(); err != nil {
		return nil, err
	}
	return mi, nil
}

func (mi *MetaInfo) validate() error {
	info := mi.Info
	isHybrid := info.MetaVersion == 2

	totalLength, err := mi.TotalLength()
	if err != nil {
		return err
	}

	if info.PieceLength <= 0 {
		return ccerr.Validation("metainfo.validate", fmt.Errorf("piece length must be positive"))
	}

	if isHybrid {
		if len(info.Pieces) == 0 {
			return ccerr.Validation("metainfo.validate", fmt.Errorf("hybrid torrent missing v1 pieces field"))
		}
		if len(mi.PieceLayers) == 0 {
			return ccerr.Validation("metainfo.validate", fmt.Errorf("hybrid torrent missing piece layers"))
		}
	}

	if len(info.Pieces)%20 != 0 {
		return ccerr.Validation("metainfo.validate", fmt.Errorf("pieces field length %d not a multiple of 20", len(info.Pieces)))
	}
	numPieces := len(info.Pieces) / 20
	expectedPieces := int((totalLength + info.PieceLength - 1) / info.PieceLength)
	if numPieces != expectedPieces {
		return ccerr.Validation("metainfo.validate", fmt.Errorf(
				"piece count mismatch: have %d, expected ceil(%d/%d)=%d",
				numPieces, totalLength, info.PieceLength, expectedPieces))
	}
	return nil
}

// TotalLength returns the sum of all file lengths, validating that a
// single-file and multi-file layout aren't both/neither present.
func (mi *MetaInfo) TotalLength() (int64, error) {
	info := mi.Info
	switch {
	case len(info.Files) > 0 && info.Length > 0:
		return 0, ccerr.Validation("metainfo.TotalLength", fmt.Errorf("info dict has both length and files"))
	case len(info.Files) > 0:
		var sum int64
		for _, f := range info.Files {
			sum += f.Length
		}
		return sum, nil
	case info.Length > 0:
		return info.Length, nil
	default:
		return 0, ccerr.Validation("metainfo.TotalLength", fmt.Errorf("info dict has neither length nor files"))
	}
}

// InfoHash returns the torrent's identity.
func (mi *MetaInfo) InfoHash() InfoHash { return mi.infoHash }

// NumPieces returns the number of SHA-1 piece hashes.
func (mi *MetaInfo) NumPieces() int { return len(mi.Info.Pieces) / 20 }

// PieceHash returns the expected SHA-1 of piece i.
func (mi *MetaInfo) PieceHash(i int) [20]byte {
	var h [20]byte
	copy(h[:], mi.Info.Pieces[i*20:i*20+20])
	return h
}

// AnnounceTiers returns the ordered tracker tiers: the announce-list if
// present (already ordered list of ordered lists), otherwise a single tier
// containing the legacy Announce URL.
func (mi *MetaInfo) AnnounceTiers() [][]string {
	if len(mi.AnnounceList) > 0 {
		return mi.AnnounceList
	}
	if mi.Announce != "" {
		return [][]string{{mi.Announce}}
	}
	return nil
}

// Magnet is a parsed magnet URI (BEP 9).
type Magnet struct {
	InfoHash InfoHash
	DisplayName string
	Trackers []string
}

// ParseMagnet parses a "magnet:?xt=urn:btih:...&dn=...&tr=..." URI.
func ParseMagnet(raw string) (*Magnet, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, ccerr.Validation("metainfo.ParseMagnet", err)
	}
	if u.Scheme != "magnet" {
		return nil, ccerr.Validation("metainfo.ParseMagnet", fmt.Errorf("not a magnet URI"))
	}
	q := u.Query()
	xts := q["xt"]
	var infoHash InfoHash
	found := false
	for _, xt := range xts {
		const prefix = "urn:btih:"
		if !strings.HasPrefix(xt, prefix) {
			continue
		}
		id := strings.TrimPrefix(xt, prefix)
		switch len(id) {
		case 40:
			h, err := InfoHashFromHex(strings.ToLower(id))
			if err != nil {
				return nil, ccerr.Validation("metainfo.ParseMagnet", err)
			}
			infoHash = h
		case 32:
			b, err := base32Decode(strings.ToUpper(id))
			if err != nil {
				return nil, ccerr.Validation("metainfo.ParseMagnet", err)
			}
			copy(infoHash[:], b)
		default:
			return nil, ccerr.Validation("metainfo.ParseMagnet", fmt.Errorf("unsupported xt length %d", len(id)))
		}
		found = true
		break
	}
	if !found {
		return nil, ccerr.Validation("metainfo.ParseMagnet", fmt.Errorf("no urn:btih xt parameter"))
	}
	return &Magnet{
		InfoHash: infoHash,
		DisplayName: q.Get("dn"),
		Trackers: q["tr"],
	}, nil
}

const base32Alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ234567"

func base32Decode(s string) ([]byte, error) {
	// Minimal RFC 4648 base32 decode (no padding), sufficient for the
	// 32-character v1 info-hash encoding used by BEP 9 magnet links.
	var bits uint64
	var nbits uint
	out := make([]byte, 0, len(s)*5/8)
	for _, c := range s {
		idx := strings.IndexRune(base32Alphabet, c)
		if idx < 0 {
			return nil, fmt.Errorf("invalid base32 character %q", c)
		}
		bits = (bits << 5) | uint64(idx)
		nbits += 5
		if nbits >= 8 {
			nbits -= 8
			out = append(out, byte(bits>>nbits))
		}
	}
	return out, nil
}

// ParsePort converts a decimal port string to an int. It does not split
// "host:port"; the caller passes the port part alone.
func ParsePort(s string) (int, error) {
	return strconv.Atoi(s)
}
