package source

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"net/url"

	"github.com/zeebo/bencode"
)

// MaxMetainfoSize bounds accepted .torrent content.
const MaxMetainfoSize = 10 * 1024 * 1024 // 10MB

type metainfo struct {
	Info bencode.RawMessage `bencode:"info"`
}

type infoDict struct {
	Name   string `bencode:"name"`
	Length int64  `bencode:"length"`
	Files  []struct {
		Length int64 `bencode:"length"`
	} `bencode:"files"`
}

// FromMetainfo builds a source out of raw .torrent content. The uri is a
// magnet link on the info-hash, so a torrent added as a file and the same
// torrent added as a magnet link share one identity.
func FromMetainfo(data []byte) (Source, error) {
	if len(data) > MaxMetainfoSize {
		return Source{}, &InvalidContentError{
			Filename: "metainfo",
			Reason:   fmt.Sprintf("size %d bytes exceeds maximum %d bytes", len(data), MaxMetainfoSize),
		}
	}

	if err := ValidateMetainfo(data); err != nil {
		return Source{}, err
	}

	var mi metainfo
	if err := bencode.DecodeBytes(data, &mi); err != nil {
		return Source{}, &InvalidContentError{
			Filename: "metainfo",
			Reason:   fmt.Sprintf("invalid bencode structure: %v", err),
			Err:      err,
		}
	}

	var info infoDict
	if err := bencode.DecodeBytes(mi.Info, &info); err != nil {
		return Source{}, &InvalidContentError{
			Filename: "metainfo",
			Reason:   fmt.Sprintf("invalid info dictionary: %v", err),
			Err:      err,
		}
	}

	size := info.Length
	for _, f := range info.Files {
		size += f.Length
	}

	sum := sha1.Sum(mi.Info)
	hash := hex.EncodeToString(sum[:])

	uri := "magnet:?xt=" + btihPrefix + hash
	if info.Name != "" {
		uri += "&dn=" + url.QueryEscape(info.Name)
	}

	return Source{
		URI:      uri,
		Name:     info.Name,
		Size:     size,
		Metainfo: data,
	}, nil
}

// ValidateMetainfo checks that data is a bencoded dictionary holding an info
// dictionary.
func ValidateMetainfo(data []byte) error {
	var torrentData interface{}

	if err := bencode.DecodeBytes(data, &torrentData); err != nil {
		return &InvalidContentError{
			Filename: "metainfo",
			Reason:   fmt.Sprintf("invalid bencode structure: %v", err),
			Err:      err,
		}
	}

	dict, ok := torrentData.(map[string]interface{})
	if !ok {
		return &InvalidContentError{
			Filename: "metainfo",
			Reason:   "bencode root must be a dictionary",
		}
	}

	info, hasInfo := dict["info"]
	if !hasInfo {
		return &InvalidContentError{
			Filename: "metainfo",
			Reason:   "bencode missing required 'info' dictionary",
		}
	}

	if _, ok := info.(map[string]interface{}); !ok {
		return &InvalidContentError{
			Filename: "metainfo",
			Reason:   "bencode 'info' must be a dictionary",
		}
	}

	return nil
}
