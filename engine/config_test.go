package engine

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/boypt/simple-spider/shared"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	c := DefaultConfig()
	assert.Equal(t, 6881, c.DHTPort)
	assert.Equal(t, 5*time.Second, c.WalkInterval)
	assert.Equal(t, 30*time.Second, c.FetchTimeout)
	assert.Equal(t, 6*time.Hour, c.TrackerInterval)
	assert.True(t, c.TrackersEnabled)
	assert.True(t, filepath.IsAbs(c.DataDirectory))
	assert.Equal(t, 200, c.PacketRate())
}

func TestConfig_Validate(t *testing.T) {
	base := DefaultConfig()
	tests := []struct {
		name   string
		modify func(c *Config)
		want   uint8
	}{
		{"same", func(c *Config) {}, 0},
		{"datadir", func(c *Config) { c.DataDirectory = "/elsewhere" }, ForbidRuntimeChange},
		{"replication port", func(c *Config) { c.ReplicationPort = 1 }, ForbidRuntimeChange},
		{"filter", func(c *Config) { c.FilterMinSize = "1GB" }, NeedUpdateFilter},
		{"tracker list", func(c *Config) { c.TrackerListURL = "https://example.com/list" }, NeedUpdateTracker},
		{"rss", func(c *Config) { c.RssURL = "https://example.com/rss" }, NeedUpdateRSS},
		{"peers", func(c *Config) { c.ReplicationPeers = "10.0.0.1:6882" }, NeedUpdatePeers},
		{"engine", func(c *Config) { c.PacketsPerSecond = "high" }, NeedEngineReConfig},
		{"both", func(c *Config) { c.DHTPort = 1; c.FilterAdult = true }, NeedEngineReConfig | NeedUpdateFilter},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			nc := base
			tt.modify(&nc)
			if got := base.Validate(&nc); got != tt.want {
				t.Errorf("Config.Validate() = %b, want %b", got, tt.want)
			}
		})
	}
}

func TestConfig_FilterConfig(t *testing.T) {
	c := DefaultConfig()
	c.FilterMinSize = "700MB"
	c.FilterCategories = "video, audio"
	c.FilterAdult = true
	fc, err := c.FilterConfig()
	require.NoError(t, err)
	assert.EqualValues(t, 700<<20, fc.MinSize)
	assert.Equal(t, []shared.Category{shared.CategoryVideo, shared.CategoryAudio}, fc.Categories)
	assert.True(t, fc.AdultFilterEnabled)

	c.FilterCategories = "films"
	_, err = c.FilterConfig()
	assert.Error(t, err)
}

func TestConfig_Peers(t *testing.T) {
	c := Config{ReplicationPeers: "a:1, b:2\nc:3,,"}
	if got := c.Peers(); !reflect.DeepEqual(got, []string{"a:1", "b:2", "c:3"}) {
		t.Errorf("Config.Peers() = %v", got)
	}
}

func TestConfig_PacketRate(t *testing.T) {
	tests := []struct {
		in   string
		want int
	}{
		{"LOW", 50},
		{"high", 1000},
		{"", 0},
		{"unlimited", 0},
		{"300pps", 300},
		{"fake", 200},
	}
	for _, tt := range tests {
		c := Config{PacketsPerSecond: tt.in}
		if got := c.PacketRate(); got != tt.want {
			t.Errorf("PacketRate(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestInitConf(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "simple-spider.yaml")
	data := "DHTPort: 7000\nFilterMinSize: 100MB\nDataDirectory: " + filepath.Join(dir, "data") + "\n"
	require.NoError(t, os.WriteFile(path, []byte(data), 0644))

	c, err := InitConf(path)
	require.NoError(t, err)
	assert.Equal(t, 7000, c.DHTPort)
	assert.Equal(t, "100MB", c.FilterMinSize)
	assert.Equal(t, 5*time.Second, c.WalkInterval)
	assert.Equal(t, filepath.Join(dir, "data"), c.DataDirectory)
}
