package server

import (
	"compress/gzip"
	"context"
	"crypto/tls"
	"fmt"
	stdlog "log"
	"net/http"
	"os"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/NYTimes/gziphandler"
	"github.com/boypt/simple-spider/engine"
	"github.com/boypt/simple-spider/server/httpmiddleware"
	spiderstatic "github.com/boypt/simple-spider/static"
	"github.com/jpillora/cookieauth"
	"github.com/jpillora/requestlog"
	"github.com/jpillora/velox"
	"github.com/mmcdole/gofeed"
	"github.com/skratchdot/open-golang/open"
	"github.com/spf13/viper"
)

var log = stdlog.New(os.Stdout, "[server]", stdlog.LstdFlags|stdlog.Lmsgprefix)

//Server is the "State" portion of the diagram
type Server struct {
	//config
	Title          string `opts:"help=Title of this instance,env=TITLE"`
	Port           int    `opts:"help=Listening port(web ui),env=PORT"`
	Host           string `opts:"help=Listening interface (default all),env=HOST"`
	Auth           string `opts:"help=Optional basic auth in form 'user:password',env=AUTH"`
	ConfigPath     string `opts:"help=Configuration file path (default simple-spider.yaml),short=c,env=CONFIGPATH"`
	KeyPath        string `opts:"help=TLS Key file path"`
	CertPath       string `opts:"help=TLS Certicate file path,short=r"`
	Log            bool   `opts:"help=Enable request logging,env=REQLOG"`
	Open           bool   `opts:"help=Open now with your default browser"`
	DisableLogTime bool   `opts:"help=Don't print timestamp in log,env=DISABLELOGTIME"`
	Debug          bool   `opts:"help=Debug app,env=DEBUG"`

	//http handlers
	statich http.Handler

	//spider engine
	engine *engine.Engine

	rssMu    sync.Mutex
	rssCache map[string][]*gofeed.Item

	syncConnected chan struct{}
	syncSemphor   int32

	state struct {
		velox.State
		sync.Mutex
		Config engine.Config
		Spider engine.Status
		Users  map[string]string
		Stats  struct {
			Title   string
			Version string
			Runtime string
			Uptime  time.Time
			System  stats
		}
	}
}

// Run the server
func (s *Server) Run(version string) error {
	isTLS := s.CertPath != "" || s.KeyPath != "" //poor man's XOR
	if isTLS && (s.CertPath == "" || s.KeyPath == "") {
		return fmt.Errorf("You must provide both key and cert paths")
	}
	if s.DisableLogTime {
		log.SetFlags(stdlog.Lmsgprefix)
		engine.SetLoggerFlag(stdlog.Lmsgprefix)
	}

	s.state.Stats.Title = s.Title
	s.state.Stats.Version = version
	s.state.Stats.Runtime = strings.TrimPrefix(runtime.Version(), "go")
	s.state.Stats.Uptime = time.Now()
	s.state.Users = map[string]string{}
	s.rssCache = map[string][]*gofeed.Item{}
	s.syncConnected = make(chan struct{})
	s.statich = spiderstatic.FileSystemHandler()

	c, err := engine.InitConf(s.ConfigPath)
	if err != nil {
		return fmt.Errorf("initial configure failed: %w", err)
	}
	if s.Debug {
		c.EngineDebug = true
	}
	s.engine = engine.New(version)
	if err := s.engine.Configure(*c); err != nil {
		return fmt.Errorf("initial configure failed: %w", err)
	}
	s.state.Config = *c
	// the web ui stays up to show the failure
	if err := s.engine.Start(); err != nil {
		log.Printf("[error] spider start failed: %v", err)
	}

	if c.ReplicationServer {
		go s.serveReplication(*c)
	}
	if err := engine.WatchConfig(context.Background(), viper.ConfigFileUsed(), s.reloadConfig); err != nil {
		log.Printf("config watcher disabled: %v", err)
	}
	s.backgroundRoutines()

	host := s.Host
	if host == "" {
		host = "0.0.0.0"
	}
	addr := fmt.Sprintf("%s:%d", host, s.Port)
	proto := "http"
	if isTLS {
		proto += "s"
	}
	if s.Open {
		openhost := host
		if openhost == "0.0.0.0" {
			openhost = "localhost"
		}
		go func() {
			time.Sleep(1 * time.Second)
			open.Run(fmt.Sprintf("%s://%s:%d", proto, openhost, s.Port))
		}()
	}
	//define handler chain, from last to first
	h := http.Handler(http.HandlerFunc(s.webHandle))
	//gzip
	gzipWrap, _ := gziphandler.NewGzipLevelAndMinSize(gzip.DefaultCompression, 0)
	h = gzipWrap(h)
	//auth
	if s.Auth != "" {
		h = authWrap(h, s.Auth)
		log.Printf("Enabled HTTP authentication")
	}
	h = httpmiddleware.Liveness(h)
	if s.Log {
		h = requestlog.Wrap(h)
	}
	log.Printf("Listening at %s://%s", proto, addr)
	//serve!
	server := http.Server{
		//disable http2 due to velox bug
		TLSNextProto: map[string]func(*http.Server, *tls.Conn, http.Handler){},
		//address
		Addr: addr,
		//handler stack
		Handler: h,
	}
	if isTLS {
		return server.ListenAndServeTLS(s.CertPath, s.KeyPath)
	}
	return server.ListenAndServe()
}

func authWrap(h http.Handler, auth string) http.Handler {
	user := auth
	pass := ""
	if s := strings.SplitN(auth, ":", 2); len(s) == 2 {
		user = s[0]
		pass = s[1]
	}
	return cookieauth.New().SetUserPass(user, pass).Wrap(h)
}

// serveReplication exposes the index to other instances. Failing to listen
// only disables the server role.
func (s *Server) serveReplication(c engine.Config) {
	h := s.engine.ReplicationHandler()
	gzipWrap, _ := gziphandler.NewGzipLevelAndMinSize(gzip.DefaultCompression, 1024)
	h = gzipWrap(h)
	if c.ReplicationAuth != "" {
		h = authWrap(h, c.ReplicationAuth)
	}
	if s.Log {
		h = requestlog.Wrap(h)
	}
	addr := fmt.Sprintf("%s:%d", s.Host, c.ReplicationPort)
	log.Printf("Replication listening at %s", addr)
	if err := http.ListenAndServe(addr, h); err != nil {
		log.Printf("[error] replication server: %v", err)
	}
}

// reloadConfig applies an edited config file.
func (s *Server) reloadConfig() {
	nc, err := engine.ReloadConf()
	if err != nil {
		log.Printf("[config] reload failed: %v", err)
		return
	}
	if err := s.applyConfig(*nc); err != nil {
		log.Printf("[config] %v", err)
	}
}

func (s *Server) applyConfig(nc engine.Config) error {
	s.state.Lock()
	oc := s.state.Config
	s.state.Unlock()

	if !oc.AllowRuntimeConfigure {
		return fmt.Errorf("runtime configure disabled, restart to apply changes")
	}
	status := oc.Validate(&nc)
	if status == 0 {
		return nil
	}
	if status&engine.ForbidRuntimeChange > 0 {
		return fmt.Errorf("DataDirectory and replication server settings are NOT allowed being changed on runtime")
	}
	if s.Debug {
		nc.EngineDebug = true
	}
	if err := s.engine.Configure(nc); err != nil {
		return err
	}
	if status&engine.NeedEngineReConfig > 0 && s.engine.State() != engine.StateStopped {
		if err := s.engine.Stop(); err != nil {
			return err
		}
		if err := s.engine.Start(); err != nil {
			return err
		}
		log.Printf("[config] spider engine restarted")
	} else {
		if status&engine.NeedUpdateTracker > 0 {
			go s.engine.UpdateTrackers()
		}
		if status&engine.NeedUpdatePeers > 0 {
			s.engine.AddPeers(nc.Peers())
		}
	}
	if status&engine.NeedUpdateRSS > 0 {
		go s.updateRSS()
	}

	s.state.Lock()
	s.state.Config = nc
	s.state.Unlock()
	s.state.Push()
	log.Printf("[config] applied")
	return nil
}
