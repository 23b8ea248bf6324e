package filter

import (
	"path"
	"strings"

	"github.com/boypt/simple-spider/shared"
)

var extCategory = map[string]shared.Category{}

func init() {
	for cat, exts := range map[shared.Category][]string{
		shared.CategoryVideo: {
			"3g2", "3gp", "amv", "asf", "avi", "drc", "f4a", "f4b", "f4p", "f4v",
			"flv", "gifv", "m2ts", "m2v", "m4p", "m4v", "mkv", "mng", "mov",
			"mp2", "mp4", "mpe", "mpeg", "mpg", "mpv", "mts", "mxf", "nsv", "ogv",
			"qt", "rm", "rmvb", "roq", "svi", "ts", "vob", "webm", "wmv", "yuv",
		},
		shared.CategoryAudio: {
			"aa", "aac", "aax", "act", "aiff", "amr", "ape", "au", "awb", "dct",
			"dss", "dvf", "flac", "gsm", "iklax", "ivs", "m4a", "m4b", "mmf", "mp3",
			"mpc", "msv", "ogg", "oga", "opus", "ra", "raw", "sln", "tta", "vox",
			"wav", "wma", "wv",
		},
		shared.CategoryImage: {
			"jpg", "jpeg", "exif", "tiff", "tif", "bmp", "png", "webp", "heic",
			"gif", "psd", "svg", "cr2", "nef", "dng",
		},
		shared.CategoryBook: {
			"cbr", "cbz", "cb7", "cbt", "cba", "lrf", "lrx", "chm", "djvu", "doc",
			"docx", "epub", "pdf", "pdb", "fb2", "xeb", "ceb", "azw", "azw3", "kf8",
			"kfx", "lit", "prc", "mobi", "txt", "rtf",
		},
		shared.CategoryApp: {
			"exe", "apk", "msi", "dmg", "pkg", "deb", "rpm", "appimage", "jar",
			"bat", "sh", "com", "app", "xapk", "ipa",
		},
		shared.CategoryArchive: {
			"7z", "ace", "arj", "bz2", "cab", "gz", "gzip", "lz", "lzma", "rar",
			"tar", "tgz", "txz", "xz", "z", "zip", "zst",
		},
		shared.CategoryDisc: {
			"iso", "img", "bin", "cue", "mdf", "mds", "nrg", "ccd", "isz", "vcd",
		},
	} {
		for _, e := range exts {
			if _, dup := extCategory[e]; !dup {
				extCategory[e] = cat
			}
		}
	}
}

func extOf(p string) string {
	ext := path.Ext(path.Base(p))
	return strings.ToLower(strings.TrimPrefix(ext, "."))
}

// DetectCategory votes on the content class of a torrent, weighting every
// file by its size. Files without a known extension do not vote. A torrent
// without files is classified from its name alone.
func DetectCategory(name string, files []shared.File) shared.Category {
	if len(files) == 0 {
		if c, ok := extCategory[extOf(name)]; ok {
			return c
		}
		return shared.CategoryOther
	}
	weight := map[shared.Category]int64{}
	for _, f := range files {
		c, ok := extCategory[extOf(f.Path)]
		if !ok {
			continue
		}
		// zero length files still count
		weight[c] += f.Size + 1
	}
	best := shared.CategoryOther
	var bestWeight int64
	for _, c := range shared.Categories {
		if w := weight[c]; w > bestWeight {
			best, bestWeight = c, w
		}
	}
	return best
}
