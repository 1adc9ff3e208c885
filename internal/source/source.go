package source

import (
	"crypto/sha1"
	"encoding/base32"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// ErrMissingURI is returned when a source has no stable identifying attribute.
var ErrMissingURI = errors.New("source has no uri")

const btihPrefix = "urn:btih:"

// ID is the internal identity of a tracked item. It is derived from the
// source's canonical key and is the only key used for deduplication.
type ID string

func (id ID) String() string {
	return string(id)
}

// Short returns the first eight characters of the id, for logs.
func (id ID) Short() string {
	if len(id) <= 8 {
		return string(id)
	}

	return string(id[:8])
}

// Source describes a trackable item. Only URI takes part in identity; the
// remaining fields are display attributes.
type Source struct {
	URI      string `json:"uri" yaml:"uri"`
	Name     string `json:"name,omitempty" yaml:"name,omitempty"`
	Size     int64  `json:"size,omitempty" yaml:"size,omitempty"`
	Kind     string `json:"kind,omitempty" yaml:"kind,omitempty"`
	Provider string `json:"provider,omitempty" yaml:"provider,omitempty"`
	Language string `json:"language,omitempty" yaml:"language,omitempty"`

	// Metainfo optionally carries raw .torrent content for the adapter.
	// It is never persisted.
	Metainfo []byte `json:"-" yaml:"-"`
}

// Key returns the canonical identifying attribute of the source. Magnet links
// are reduced to their info-hash so that the same torrent announced with
// different trackers or display names maps to one key.
func (s Source) Key() string {
	uri := strings.TrimSpace(s.URI)
	if hash, ok := magnetInfoHash(uri); ok {
		return btihPrefix + hash
	}

	return uri
}

// ID returns the internal id of the source.
func (s Source) ID() ID {
	sum := sha1.Sum([]byte(s.Key()))

	return ID(hex.EncodeToString(sum[:]))
}

// Validate reports whether the source can be tracked.
func (s Source) Validate() error {
	if strings.TrimSpace(s.URI) == "" {
		return ErrMissingURI
	}

	return nil
}

// InfoHash returns the lowercase hex BitTorrent info-hash when the source is a
// magnet link.
func (s Source) InfoHash() (string, bool) {
	return magnetInfoHash(strings.TrimSpace(s.URI))
}

// IsMagnet reports whether the source uri is a magnet link.
func (s Source) IsMagnet() bool {
	return strings.HasPrefix(strings.ToLower(strings.TrimSpace(s.URI)), "magnet:")
}

// DisplayName returns the name of the source, falling back to its uri.
func (s Source) DisplayName() string {
	if s.Name != "" {
		return s.Name
	}

	return s.URI
}

const adoptedScheme = "adopted://"

// IsAdopted reports whether the source was synthesized by Adopted.
func (s Source) IsAdopted() bool {
	return strings.HasPrefix(s.URI, adoptedScheme)
}

// Adopted synthesizes the minimal source for an item the download agent knows
// about but that was never handed to it by us.
func Adopted(adapter, externalID, name string, size int64) Source {
	return Source{
		URI:      fmt.Sprintf("%s%s/%s", adoptedScheme, adapter, url.PathEscape(externalID)),
		Name:     name,
		Size:     size,
		Provider: adapter,
	}
}

func magnetInfoHash(uri string) (string, bool) {
	u, err := url.Parse(uri)
	if err != nil || !strings.EqualFold(u.Scheme, "magnet") {
		return "", false
	}

	for _, xt := range u.Query()["xt"] {
		if len(xt) <= len(btihPrefix) || !strings.EqualFold(xt[:len(btihPrefix)], btihPrefix) {
			continue
		}

		hash := xt[len(btihPrefix):]

		switch len(hash) {
		case 40:
			if _, err := hex.DecodeString(hash); err == nil {
				return strings.ToLower(hash), true
			}
		case 32:
			raw, err := base32.StdEncoding.DecodeString(strings.ToUpper(hash))
			if err == nil {
				return hex.EncodeToString(raw), true
			}
		}
	}

	return "", false
}
