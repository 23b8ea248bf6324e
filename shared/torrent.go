package shared

import (
	"time"
)

// Category is the content class derived from a torrent's file list.
type Category string

const (
	CategoryVideo   Category = "video"
	CategoryAudio   Category = "audio"
	CategoryImage   Category = "image"
	CategoryBook    Category = "book"
	CategoryApp     Category = "app"
	CategoryArchive Category = "archive"
	CategoryDisc    Category = "disc"
	CategoryOther   Category = "other"
)

var Categories = []Category{
	CategoryVideo, CategoryAudio, CategoryImage, CategoryBook,
	CategoryApp, CategoryArchive, CategoryDisc, CategoryOther,
}

func ParseCategory(s string) (Category, bool) {
	for _, c := range Categories {
		if string(c) == s {
			return c, true
		}
	}
	return "", false
}

// Source tells whether a record was crawled here or pulled from a peer.
type Source string

const (
	SourceLocal      Source = "local"
	SourceReplicated Source = "replicated"
)

// Torrent is one indexed record, keyed by InfoHash.
type Torrent struct {
	InfoHash         InfoHash  `json:"infoHash"`
	Name             string    `json:"name"`
	Size             int64     `json:"size"`
	PieceLength      int64     `json:"pieceLength,omitempty"`
	Files            []File    `json:"files"`
	Category         Category  `json:"category"`
	AddedAt          time.Time `json:"addedAt"`
	Seeders          int       `json:"seeders"`
	Leechers         int       `json:"leechers"`
	LastTrackerCheck time.Time `json:"lastTrackerCheck"`
	Source           Source    `json:"source"`
	Trackers         []string  `json:"trackers,omitempty"`
	// UpdatedAt is maintained by the store.
	UpdatedAt time.Time `json:"updatedAt"`
}

type File struct {
	Path string `json:"path"`
	Size int64  `json:"size"`
}

func (t *Torrent) Clone() *Torrent {
	if t == nil {
		return nil
	}
	c := *t
	c.Files = append([]File(nil), t.Files...)
	c.Trackers = append([]string(nil), t.Trackers...)
	return &c
}

// FileSizeSum is the sum of all file sizes.
func (t *Torrent) FileSizeSum() (n int64) {
	for _, f := range t.Files {
		n += f.Size
	}
	return
}
