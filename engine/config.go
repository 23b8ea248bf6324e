package engine

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"github.com/boypt/simple-spider/filter"
	"github.com/boypt/simple-spider/governor"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v2"
)

const (
	ForbidRuntimeChange uint8 = 1 << iota
	NeedEngineReConfig
	NeedUpdateFilter
	NeedUpdateTracker
	NeedUpdateRSS
	NeedUpdatePeers
)

const (
	defaultTrackerListURL = "https://raw.githubusercontent.com/ngosang/trackerslist/master/trackers_best.txt"
	configName            = "simple-spider"
)

type Config struct {
	DHTPort              int           `yaml:"DHTPort"`
	WalkInterval         time.Duration `yaml:"WalkInterval"`
	MaxDHTNodes          int           `yaml:"MaxDHTNodes"`
	PacketsPerSecond     string        `yaml:"PacketsPerSecond"`
	MaxConcurrentFetches int           `yaml:"MaxConcurrentFetches"`
	FetchTimeout         time.Duration `yaml:"FetchTimeout"`
	FetchFanOut          int           `yaml:"FetchFanOut"`
	TrackersEnabled      bool          `yaml:"TrackersEnabled"`
	TrackerInterval      time.Duration `yaml:"TrackerInterval"`
	TrackerListURL       string        `yaml:"TrackerListURL"`
	ReplicationClient    bool          `yaml:"ReplicationClient"`
	ReplicationServer    bool          `yaml:"ReplicationServer"`
	ReplicationPort      int           `yaml:"ReplicationPort"`
	ReplicationPeers     string        `yaml:"ReplicationPeers"`
	ReplicationInterval  time.Duration `yaml:"ReplicationInterval"`
	ReplicationAuth      string        `yaml:"ReplicationAuth"`
	DataDirectory        string        `yaml:"DataDirectory"`
	EngineDebug          bool          `yaml:"EngineDebug"`
	MuteEngineLog        bool          `yaml:"MuteEngineLog"`
	RssURL               string        `yaml:"RssURL"`
	FilterNameRegexAllow string        `yaml:"FilterNameRegexAllow"`
	FilterNameRegexDeny  string        `yaml:"FilterNameRegexDeny"`
	FilterAdult          bool          `yaml:"FilterAdult"`
	FilterMinSize        string        `yaml:"FilterMinSize"`
	FilterMaxSize        string        `yaml:"FilterMaxSize"`
	FilterMaxFiles       int           `yaml:"FilterMaxFiles"`
	FilterCategories     string        `yaml:"FilterCategories"`

	AllowRuntimeConfigure bool `yaml:"AllowRuntimeConfigure"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("DHTPort", 6881)
	v.SetDefault("WalkInterval", "5s")
	v.SetDefault("MaxDHTNodes", 0)
	v.SetDefault("PacketsPerSecond", "medium")
	v.SetDefault("MaxConcurrentFetches", 16)
	v.SetDefault("FetchTimeout", "30s")
	v.SetDefault("FetchFanOut", 8)
	v.SetDefault("TrackersEnabled", true)
	v.SetDefault("TrackerInterval", "6h")
	v.SetDefault("TrackerListURL", defaultTrackerListURL)
	v.SetDefault("ReplicationClient", false)
	v.SetDefault("ReplicationServer", false)
	v.SetDefault("ReplicationPort", 6882)
	v.SetDefault("ReplicationInterval", "10m")
	v.SetDefault("DataDirectory", filepath.Join(xdg.DataHome, configName))
	v.SetDefault("FilterAdult", false)
	v.SetDefault("AllowRuntimeConfigure", true)
}

// DefaultConfig is the configuration used when no file sets a key.
func DefaultConfig() Config {
	v := viper.New()
	setDefaults(v)
	c := Config{}
	v.Unmarshal(&c)
	return c
}

func InitConf(specPath string) (*Config, error) {

	viper.SetConfigName(configName)
	viper.AddConfigPath("/etc/simple-spider/")
	viper.AddConfigPath("/etc/")
	viper.AddConfigPath("$HOME/.simple-spider")
	viper.AddConfigPath(".")

	setDefaults(viper.GetViper())

	// user specific config path
	if stat, err := os.Stat(specPath); stat != nil && err == nil {
		viper.SetConfigFile(specPath)
	}

	configExists := true
	if err := viper.ReadInConfig(); err != nil {
		if strings.Contains(err.Error(), "Not Found") {
			configExists = false
			if specPath == "" {
				specPath = "./simple-spider.yaml"
			}
			viper.SetConfigFile(specPath)
		} else {
			return nil, err
		}
	}

	c := &Config{}
	if err := viper.Unmarshal(c); err != nil {
		return nil, err
	}

	dirChanged, err := c.NormlizeConfigDir()
	if err != nil {
		return nil, err
	}
	if dirChanged {
		viper.Set("DataDirectory", c.DataDirectory)
	}

	cf := viper.ConfigFileUsed()
	log.Println("[config] selected config file: ", cf)
	if !configExists || dirChanged {
		if err := c.WriteYaml(); err != nil {
			log.Println("[config] failed to write config file: ", err)
		} else {
			log.Println("[config] config file written: ", cf, "exists:", configExists, "dirchanged", dirChanged)
		}
	}

	return c, nil
}

// ReloadConf reads the config file again, for the file watcher.
func ReloadConf() (*Config, error) {
	if err := viper.ReadInConfig(); err != nil {
		return nil, err
	}
	c := &Config{}
	if err := viper.Unmarshal(c); err != nil {
		return nil, err
	}
	if _, err := c.NormlizeConfigDir(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) NormlizeConfigDir() (bool, error) {
	if c.DataDirectory == "" {
		return false, nil
	}
	dir, err := filepath.Abs(c.DataDirectory)
	if err != nil {
		return false, fmt.Errorf("ERROR: Invalid path %s, %w", c.DataDirectory, err)
	}
	if c.DataDirectory != dir {
		c.DataDirectory = dir
		return true, nil
	}
	return false, nil
}

// PacketRate is the governor budget in packets per second. An unknown
// value falls back to medium.
func (c *Config) PacketRate() int {
	pps, err := governor.ParseRate(c.PacketsPerSecond)
	if err != nil {
		log.Printf("PacketsPerSecond [%s] unreconized, set as medium", c.PacketsPerSecond)
		pps, _ = governor.ParseRate("medium")
	}
	return pps
}

func (c *Config) FilterConfig() (filter.Config, error) {
	return filter.ConfigFromStrings(c.FilterNameRegexAllow, c.FilterNameRegexDeny,
		c.FilterAdult, c.FilterMinSize, c.FilterMaxSize, c.FilterMaxFiles, c.FilterCategories)
}

// Peers splits ReplicationPeers, a comma or space separated address list.
func (c *Config) Peers() []string {
	return strings.FieldsFunc(c.ReplicationPeers, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\n'
	})
}

func (c *Config) Validate(nc *Config) uint8 {

	var status uint8

	if c.DataDirectory != nc.DataDirectory || c.ReplicationServer != nc.ReplicationServer ||
		c.ReplicationPort != nc.ReplicationPort || c.ReplicationAuth != nc.ReplicationAuth {
		status |= ForbidRuntimeChange
	}
	if c.TrackerListURL != nc.TrackerListURL {
		status |= NeedUpdateTracker
	}
	if c.RssURL != nc.RssURL {
		status |= NeedUpdateRSS
	}
	if c.ReplicationPeers != nc.ReplicationPeers {
		status |= NeedUpdatePeers
	}

	rfc := reflect.ValueOf(c)
	rfnc := reflect.ValueOf(nc)

	for _, field := range []string{"FilterNameRegexAllow", "FilterNameRegexDeny",
		"FilterAdult", "FilterMinSize", "FilterMaxSize", "FilterMaxFiles", "FilterCategories"} {

		cval := reflect.Indirect(rfc).FieldByName(field)
		ncval := reflect.Indirect(rfnc).FieldByName(field)

		if cval.Interface() != ncval.Interface() {
			status |= NeedUpdateFilter
			break
		}
	}

	for _, field := range []string{"DHTPort", "WalkInterval", "MaxDHTNodes",
		"PacketsPerSecond", "MaxConcurrentFetches", "FetchTimeout", "FetchFanOut",
		"TrackersEnabled", "TrackerInterval", "ReplicationClient",
		"ReplicationInterval", "EngineDebug", "MuteEngineLog"} {

		cval := reflect.Indirect(rfc).FieldByName(field)
		ncval := reflect.Indirect(rfnc).FieldByName(field)

		if cval.Interface() != ncval.Interface() {
			status |= NeedEngineReConfig
			break
		}
	}

	return status
}

func (c *Config) SyncViper(nc Config) {
	cv := reflect.ValueOf(*c)
	nv := reflect.ValueOf(nc)
	typeOfC := cv.Type()
	for i := 0; i < typeOfC.NumField(); i++ {
		if cv.Field(i).Interface() != nv.Field(i).Interface() {
			name := typeOfC.Field(i).Name
			oval := cv.Field(i).Interface()
			val := nv.Field(i).Interface()
			viper.Set(name, val)
			log.Println("config updated ", name, ": ", oval, " -> ", val)
		}
	}
}

func (c *Config) WriteYaml() error {
	cf := viper.ConfigFileUsed()
	d, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(cf, d, 0666)
}
