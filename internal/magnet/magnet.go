// Package magnet parses BEP 9 magnet links
// (magnet:?xt=urn:btih:<infohash>&dn=<name>&tr=<tracker>...) into an
// info hash, display name, and tracker list.
package magnet

import (
	"encoding/base32"
	"encoding/hex"
	"errors"
	"net/url"
	"strings"
)

// Magnet is a parsed magnet link.
type Magnet struct {
	InfoHash [20]byte
	Name     string
	Trackers []string
}

// New parses link, which must have the "magnet" scheme and an "xt"
// parameter of the form "urn:btih:<40-hex-or-32-base32-chars>".
func New(link string) (*Magnet, error) {
	u, err := url.Parse(link)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "magnet" {
		return nil, errors.New("magnet: not a magnet link")
	}
	q := u.Query()

	xt := q.Get("xt")
	const prefix = "urn:btih:"
	if !strings.HasPrefix(xt, prefix) {
		return nil, errors.New("magnet: missing or invalid xt parameter")
	}
	hash, err := decodeInfoHash(strings.TrimPrefix(xt, prefix))
	if err != nil {
		return nil, err
	}

	m := &Magnet{InfoHash: hash, Name: q.Get("dn"), Trackers: q["tr"]}
	return m, nil
}

func decodeInfoHash(s string) ([20]byte, error) {
	var h [20]byte
	switch len(s) {
	case 40:
		b, err := hex.DecodeString(s)
		if err != nil {
			return h, err
		}
		copy(h[:], b)
	case 32:
		b, err := base32.StdEncoding.DecodeString(strings.ToUpper(s))
		if err != nil {
			return h, err
		}
		copy(h[:], b)
	default:
		return h, errors.New("magnet: info hash must be 40 hex or 32 base32 characters")
	}
	return h, nil
}
