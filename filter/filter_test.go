package filter

import (
	"testing"

	"github.com/boypt/simple-spider/shared"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const mb = 1 << 20

func draft(name string, size int64, files ...shared.File) *shared.Torrent {
	if len(files) == 0 {
		files = []shared.File{{Path: name, Size: size}}
	}
	return &shared.Torrent{
		Name:     name,
		Size:     size,
		Files:    files,
		Category: DetectCategory(name, files),
	}
}

func TestRulesEvaluate(t *testing.T) {
	tests := []struct {
		name  string
		cfg   Config
		draft *shared.Torrent
		want  Decision
	}{
		{"empty config accepts", Config{}, draft("anything.bin", 1), Decision{Accepted: true}},
		{"min size boundary passes", Config{MinSize: 100 * mb}, draft("a.mkv", 100*mb), Decision{Accepted: true}},
		{"below min size", Config{MinSize: 100 * mb}, draft("a.mkv", 100*mb-1), Decision{Reason: ReasonSize}},
		{"max size boundary passes", Config{MaxSize: 100 * mb}, draft("a.mkv", 100*mb), Decision{Accepted: true}},
		{"above max size", Config{MaxSize: 100 * mb}, draft("a.mkv", 100*mb+1), Decision{Reason: ReasonSize}},
		{"too many files", Config{MaxFiles: 1},
			draft("album", 20, shared.File{Path: "album/1.mp3", Size: 10}, shared.File{Path: "album/2.mp3", Size: 10}),
			Decision{Reason: ReasonFiles}},
		{"max files boundary", Config{MaxFiles: 2},
			draft("album", 20, shared.File{Path: "album/1.mp3", Size: 10}, shared.File{Path: "album/2.mp3", Size: 10}),
			Decision{Accepted: true}},
		{"category not allowed", Config{Categories: []shared.Category{shared.CategoryVideo}}, draft("song.mp3", 5*mb), Decision{Reason: ReasonCategory}},
		{"category allowed", Config{Categories: []shared.Category{shared.CategoryVideo}}, draft("movie.mkv", 5*mb), Decision{Accepted: true}},
		{"adult name", Config{AdultFilterEnabled: true}, draft("Some.XXX.Release.mp4", 5*mb), Decision{Reason: ReasonAdult}},
		{"adult disabled", Config{}, draft("Some.XXX.Release.mp4", 5*mb), Decision{Accepted: true}},
		{"deny pattern", Config{NameRegexDeny: "(?i)cam"}, draft("Movie.CAM.mkv", 5*mb), Decision{Reason: ReasonRegexDeny}},
		{"allow pattern miss", Config{NameRegexAllow: "1080p"}, draft("Movie.720p.mkv", 5*mb), Decision{Reason: ReasonRegexAllow}},
		{"allow pattern hit", Config{NameRegexAllow: "1080p"}, draft("Movie.1080p.mkv", 5*mb), Decision{Accepted: true}},
		{"deny before allow", Config{NameRegexAllow: "Movie", NameRegexDeny: "Movie"}, draft("Movie.mkv", 5*mb), Decision{Reason: ReasonRegexDeny}},
		{"size before category", Config{MinSize: 100 * mb, Categories: []shared.Category{shared.CategoryVideo}},
			draft("song.mp3", 5*mb), Decision{Reason: ReasonSize}},
		{"category before adult", Config{AdultFilterEnabled: true, Categories: []shared.Category{shared.CategoryVideo}},
			draft("porn.mp3", 5*mb), Decision{Reason: ReasonCategory}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := NewRules(tt.cfg)
			require.NoError(t, err)
			assert.Equal(t, tt.want, r.Evaluate(tt.draft))
		})
	}
}

func TestEvaluateDeterministic(t *testing.T) {
	cfg := Config{MinSize: mb, NameRegexDeny: "bad", AdultFilterEnabled: true}
	d := draft("a good name.mkv", 10*mb)
	first, err := Evaluate(d, cfg)
	require.NoError(t, err)
	for i := 0; i < 50; i++ {
		got, err := Evaluate(d, cfg)
		require.NoError(t, err)
		assert.Equal(t, first, got)
	}
}

func TestNewRulesInvalid(t *testing.T) {
	_, err := NewRules(Config{NameRegexDeny: "("})
	assert.Error(t, err)
	_, err = NewRules(Config{MinSize: 10, MaxSize: 5})
	assert.Error(t, err)
	_, err = NewRules(Config{Categories: []shared.Category{"films"}})
	assert.Error(t, err)
}

func TestDetectCategory(t *testing.T) {
	tests := []struct {
		name  string
		tname string
		files []shared.File
		want  shared.Category
	}{
		{"single video", "Movie.2020.mkv", nil, shared.CategoryVideo},
		{"unknown", "README", nil, shared.CategoryOther},
		{"video outweighs subs", "Movie", []shared.File{
			{Path: "Movie/movie.mp4", Size: 700 * mb},
			{Path: "Movie/a.txt", Size: 1},
			{Path: "Movie/b.txt", Size: 1},
		}, shared.CategoryVideo},
		{"album", "Album", []shared.File{
			{Path: "Album/01.flac", Size: 30 * mb},
			{Path: "Album/cover.jpg", Size: mb},
		}, shared.CategoryAudio},
		{"disc image", "Distro", []shared.File{{Path: "Distro/distro.ISO", Size: 2000 * mb}}, shared.CategoryDisc},
		{"no known ext", "Stuff", []shared.File{{Path: "Stuff/x.zzz", Size: 10}}, shared.CategoryOther},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DetectCategory(tt.tname, tt.files))
		})
	}
}

func TestIsAdult(t *testing.T) {
	assert.True(t, IsAdult(&shared.Torrent{Name: "my_hentai-collection"}))
	assert.False(t, IsAdult(&shared.Torrent{Name: "Essex Tourism Guide"}))
	assert.True(t, IsAdult(&shared.Torrent{
		Name:     "holiday",
		Category: shared.CategoryVideo,
		Files:    []shared.File{{Path: "holiday/nude.beach.mp4"}},
	}))
	// file names are only inspected for visual content
	assert.False(t, IsAdult(&shared.Torrent{
		Name:     "holiday",
		Category: shared.CategoryBook,
		Files:    []shared.File{{Path: "holiday/nude.pdf"}},
	}))
}

func TestParseSize(t *testing.T) {
	tests := []struct {
		in      string
		want    int64
		wantErr bool
	}{
		{"", 0, false},
		{"0", 0, false},
		{"100mb", 100 * mb, false},
		{"1 GB", 1 << 30, false},
		{"fake", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseSize(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseCategories(t *testing.T) {
	got, err := ParseCategories("video, Audio,,")
	require.NoError(t, err)
	assert.Equal(t, []shared.Category{shared.CategoryVideo, shared.CategoryAudio}, got)

	_, err = ParseCategories("video,films")
	assert.Error(t, err)
}

func TestConfigFromStrings(t *testing.T) {
	cfg, err := ConfigFromStrings("", "(?i)sample", true, "100MB", "4GB", 500, "video,book")
	require.NoError(t, err)
	assert.EqualValues(t, 100<<20, cfg.MinSize)
	assert.EqualValues(t, 4<<30, cfg.MaxSize)
	assert.Len(t, cfg.Categories, 2)

	_, err = ConfigFromStrings("", "", false, "2GB", "1GB", 0, "")
	assert.Error(t, err)
	_, err = ConfigFromStrings("([", "", false, "", "", 0, "")
	assert.Error(t, err)
}
