package metadata

import (
	"crypto/sha1"
	"crypto/sha256"
	"errors"
	"fmt"
	"path"
	"sort"

	"github.com/anacrolix/torrent/bencode"
	"github.com/anacrolix/torrent/metainfo"
	"github.com/boypt/simple-spider/filter"
	"github.com/boypt/simple-spider/shared"
)

// verify checks raw metadata against the infohash it was requested for.
func verify(ih shared.InfoHash, b []byte) bool {
	if ih.IsV2() {
		sum := sha256.Sum256(b)
		return string(sum[:]) == string(ih)
	}
	sum := sha1.Sum(b)
	return string(sum[:]) == string(ih)
}

type v2Info struct {
	FileTree map[string]interface{} `bencode:"file tree"`
}

// walkFileTree flattens a BEP 52 file tree.
func walkFileTree(prefix string, node map[string]interface{}, out *[]shared.File) {
	keys := make([]string, 0, len(node))
	for k := range node {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		child, ok := node[k].(map[string]interface{})
		if !ok {
			continue
		}
		if k == "" {
			var size int64
			if l, ok := child["length"].(int64); ok {
				size = l
			}
			*out = append(*out, shared.File{Path: prefix, Size: size})
			continue
		}
		walkFileTree(path.Join(prefix, k), child, out)
	}
}

// parseInfo decodes a verified info dictionary into a draft record.
func parseInfo(ih shared.InfoHash, b []byte) (*shared.Torrent, error) {
	var info metainfo.Info
	if err := bencode.Unmarshal(b, &info); err != nil {
		return nil, fmt.Errorf("decode info: %w", err)
	}
	if info.Name == "" {
		return nil, errors.New("info dictionary without name")
	}
	t := &shared.Torrent{
		InfoHash:    ih,
		Name:        info.Name,
		PieceLength: info.PieceLength,
		Source:      shared.SourceLocal,
	}
	if info.Length > 0 || len(info.Files) > 0 {
		for _, fi := range info.UpvertedFiles() {
			p := fi.DisplayPath(&info)
			if len(info.Files) > 0 {
				p = path.Join(info.Name, p)
			}
			t.Files = append(t.Files, shared.File{Path: p, Size: fi.Length})
		}
		t.Size = info.TotalLength()
	} else {
		var v2 v2Info
		if err := bencode.Unmarshal(b, &v2); err == nil && v2.FileTree != nil {
			walkFileTree(info.Name, v2.FileTree, &t.Files)
			t.Size = t.FileSizeSum()
		}
	}
	if len(t.Files) == 0 {
		return nil, errors.New("info dictionary without files")
	}
	t.Category = filter.DetectCategory(t.Name, t.Files)
	return t, nil
}
