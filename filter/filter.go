package filter

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/boypt/simple-spider/shared"
	"github.com/c2h5oh/datasize"
)

// Reason names the first rule that rejected a record.
type Reason string

const (
	ReasonNone       Reason = ""
	ReasonSize       Reason = "size"
	ReasonFiles      Reason = "files"
	ReasonCategory   Reason = "category"
	ReasonAdult      Reason = "adult"
	ReasonRegexDeny  Reason = "regex-deny"
	ReasonRegexAllow Reason = "regex-allow"
)

// Config is the user facing rule set. Zero values disable a rule.
type Config struct {
	NameRegexAllow     string            `json:"nameRegexAllow"`
	NameRegexDeny      string            `json:"nameRegexDeny"`
	AdultFilterEnabled bool              `json:"adultFilterEnabled"`
	MinSize            int64             `json:"minSize"`
	MaxSize            int64             `json:"maxSize"`
	MaxFiles           int               `json:"maxFiles"`
	Categories         []shared.Category `json:"categories"`
}

type Decision struct {
	Accepted bool   `json:"accepted"`
	Reason   Reason `json:"reason,omitempty"`
}

func accept() Decision         { return Decision{Accepted: true} }
func reject(r Reason) Decision { return Decision{Reason: r} }

func (d Decision) String() string {
	if d.Accepted {
		return "accepted"
	}
	return "rejected:" + string(d.Reason)
}

// Rules is an immutable compiled snapshot of a Config. It is safe for
// concurrent use and is replaced as a whole when the config changes.
type Rules struct {
	cfg        Config
	allow      *regexp.Regexp
	deny       *regexp.Regexp
	categories map[shared.Category]struct{}
}

func NewRules(cfg Config) (*Rules, error) {
	r := &Rules{cfg: cfg}
	var err error
	if cfg.NameRegexAllow != "" {
		if r.allow, err = regexp.Compile(cfg.NameRegexAllow); err != nil {
			return nil, fmt.Errorf("allow pattern: %w", err)
		}
	}
	if cfg.NameRegexDeny != "" {
		if r.deny, err = regexp.Compile(cfg.NameRegexDeny); err != nil {
			return nil, fmt.Errorf("deny pattern: %w", err)
		}
	}
	if cfg.MinSize > 0 && cfg.MaxSize > 0 && cfg.MinSize > cfg.MaxSize {
		return nil, fmt.Errorf("min size %d above max size %d", cfg.MinSize, cfg.MaxSize)
	}
	if len(cfg.Categories) > 0 {
		r.categories = make(map[shared.Category]struct{}, len(cfg.Categories))
		for _, c := range cfg.Categories {
			if _, ok := shared.ParseCategory(string(c)); !ok {
				return nil, fmt.Errorf("unknown category %q", c)
			}
			r.categories[c] = struct{}{}
		}
	}
	return r, nil
}

// AcceptAll is the rule set of an empty Config.
func AcceptAll() *Rules {
	return &Rules{}
}

func (r *Rules) Config() Config {
	return r.cfg
}

// Evaluate applies the rules in fixed order: size, files, category, adult,
// deny pattern, allow pattern. The first failing rule decides the reason.
func (r *Rules) Evaluate(t *shared.Torrent) Decision {
	if r.cfg.MinSize > 0 && t.Size < r.cfg.MinSize {
		return reject(ReasonSize)
	}
	if r.cfg.MaxSize > 0 && t.Size > r.cfg.MaxSize {
		return reject(ReasonSize)
	}
	if r.cfg.MaxFiles > 0 && len(t.Files) > r.cfg.MaxFiles {
		return reject(ReasonFiles)
	}
	if r.categories != nil {
		cat := t.Category
		if cat == "" {
			cat = DetectCategory(t.Name, t.Files)
		}
		if _, ok := r.categories[cat]; !ok {
			return reject(ReasonCategory)
		}
	}
	if r.cfg.AdultFilterEnabled && IsAdult(t) {
		return reject(ReasonAdult)
	}
	if r.deny != nil && r.deny.MatchString(t.Name) {
		return reject(ReasonRegexDeny)
	}
	if r.allow != nil && !r.allow.MatchString(t.Name) {
		return reject(ReasonRegexAllow)
	}
	return accept()
}

// Evaluate compiles cfg and evaluates a single record.
func Evaluate(t *shared.Torrent, cfg Config) (Decision, error) {
	r, err := NewRules(cfg)
	if err != nil {
		return Decision{}, err
	}
	return r.Evaluate(t), nil
}

// ParseSize accepts human sizes like "700MB" or "1.5 gb". Empty and "0"
// mean no limit.
func ParseSize(s string) (int64, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" || s == "0" {
		return 0, nil
	}
	var v datasize.ByteSize
	if err := v.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", s, err)
	}
	return int64(v), nil
}

// ParseCategories splits a comma separated category list.
func ParseCategories(s string) ([]shared.Category, error) {
	var out []shared.Category
	for _, p := range strings.Split(s, ",") {
		p = strings.ToLower(strings.TrimSpace(p))
		if p == "" {
			continue
		}
		c, ok := shared.ParseCategory(p)
		if !ok {
			return nil, fmt.Errorf("unknown category %q", p)
		}
		out = append(out, c)
	}
	return out, nil
}

// ConfigFromStrings builds a Config from the string form used in the
// config file.
func ConfigFromStrings(allow, deny string, adult bool, minSize, maxSize string, maxFiles int, categories string) (Config, error) {
	cfg := Config{
		NameRegexAllow:     allow,
		NameRegexDeny:      deny,
		AdultFilterEnabled: adult,
		MaxFiles:           maxFiles,
	}
	var err error
	if cfg.MinSize, err = ParseSize(minSize); err != nil {
		return cfg, err
	}
	if cfg.MaxSize, err = ParseSize(maxSize); err != nil {
		return cfg, err
	}
	if cfg.Categories, err = ParseCategories(categories); err != nil {
		return cfg, err
	}
	_, err = NewRules(cfg)
	return cfg, err
}
