package main

import (
	"errors"
	"flag"
	"fmt"
	"net"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/jedisct1/dlog"
	netproxy "golang.org/x/net/proxy"
)

const DefaultNetprobeAddress = "9.9.9.9:53"

type Config struct {
	LogLevel           int               `toml:"log_level"`
	LogFile            *string           `toml:"log_file"`
	UseSyslog          bool              `toml:"use_syslog"`
	ListenAddresses    []string          `toml:"listen_addresses"`
	MaxClients         uint32            `toml:"max_clients"`
	Timeout            int               `toml:"timeout"`
	QueryTimeout       int               `toml:"query_timeout"`
	MaxDepth           int               `toml:"max_depth"`
	Cache              bool              `toml:"cache"`
	CacheSize          int               `toml:"cache_size"`
	CacheMinTTL        uint32            `toml:"cache_min_ttl"`
	CacheMaxTTL        uint32            `toml:"cache_max_ttl"`
	CacheNegMinTTL     uint32            `toml:"cache_neg_min_ttl"`
	CacheNegMaxTTL     uint32            `toml:"cache_neg_max_ttl"`
	CacheSweepInterval int               `toml:"cache_sweep_interval"`
	RootHintsFile      string            `toml:"root_hints_file"`
	HintsSource        HintsSourceConfig `toml:"hints_source"`
	ForwardFile        string            `toml:"forwarding_rules"`
	UndelegatedFile    string            `toml:"undelegated_rules"`
	AllowedClients     []string          `toml:"allowed_clients"`
	RateLimitQPS       int               `toml:"rate_limit_qps"`
	RateLimitBurst     int               `toml:"rate_limit_burst"`
	Proxy              string            `toml:"proxy"`
	IPv6Servers        bool              `toml:"ipv6_servers"`
	NetprobeAddress    string            `toml:"netprobe_address"`
	NetprobeTimeout    int               `toml:"netprobe_timeout"`
	LogMaxSize         int               `toml:"log_files_max_size"`
	LogMaxAge          int               `toml:"log_files_max_age"`
	LogMaxBackups      int               `toml:"log_files_max_backups"`
	QueryLog           QueryLogConfig    `toml:"query_log"`
	NxLog              NxLogConfig       `toml:"nx_log"`
}

func newConfig() Config {
	return Config{
		LogLevel:           int(dlog.LogLevel()),
		ListenAddresses:    []string{"127.0.0.1:53"},
		MaxClients:         250,
		Timeout:            5000,
		QueryTimeout:       15000,
		MaxDepth:           8,
		Cache:              true,
		CacheSize:          512,
		CacheMinTTL:        60,
		CacheMaxTTL:        86400,
		CacheNegMinTTL:     60,
		CacheNegMaxTTL:     600,
		CacheSweepInterval: 0,
		RateLimitBurst:     16,
		NetprobeTimeout:    60,
		LogMaxSize:         10,
		LogMaxAge:          7,
		LogMaxBackups:      1,
	}
}

type HintsSourceConfig struct {
	URL            string `toml:"url"`
	MinisignKeyStr string `toml:"minisign_key"`
	CacheFile      string `toml:"cache_file"`
	RefreshDelay   int    `toml:"refresh_delay"`
}

type QueryLogConfig struct {
	File          string   `toml:"file"`
	Format        string   `toml:"format"`
	IgnoredQtypes []string `toml:"ignored_qtypes"`
}

type NxLogConfig struct {
	File   string `toml:"file"`
	Format string `toml:"format"`
}

func findConfigFile(configFile *string) (string, error) {
	if _, err := os.Stat(*configFile); os.IsNotExist(err) {
		cdLocal()
		if _, err := os.Stat(*configFile); err != nil {
			return "", err
		}
	}
	pwd, err := os.Getwd()
	if err != nil {
		return "", err
	}
	if filepath.IsAbs(*configFile) {
		return *configFile, nil
	}
	return path.Join(pwd, *configFile), nil
}

func ConfigLoad(proxy *Proxy, svcFlag *string) error {
	version := flag.Bool("version", false, "print current burrow version")
	resolve := flag.String("resolve", "", "resolve a name (optionally name,type) and print the delegation walk")
	list := flag.Bool("list", false, "print the root server set and exit")
	check := flag.Bool("check", false, "check the configuration file and exit")
	configFile := flag.String("config", DefaultConfigFileName, "Path to the configuration file")
	netprobeTimeoutOverride := flag.Int("netprobe-timeout", 60, "Override the netprobe timeout")

	flag.Parse()

	if *svcFlag == "stop" || *svcFlag == "uninstall" {
		return nil
	}
	if *version {
		fmt.Println(AppVersion)
		os.Exit(0)
	}

	foundConfigFile, err := findConfigFile(configFile)
	if err != nil {
		dlog.Fatalf("Unable to load the configuration file [%s] -- Maybe use the -config command-line switch?", *configFile)
	}
	config := newConfig()
	md, err := toml.DecodeFile(foundConfigFile, &config)
	if err != nil {
		return err
	}
	undecoded := md.Undecoded()
	if len(undecoded) > 0 {
		return fmt.Errorf("Unsupported key in configuration file: [%s]", undecoded[0])
	}
	cdFileDir(foundConfigFile)
	if config.LogLevel >= 0 && config.LogLevel < int(dlog.SeverityLast) {
		dlog.SetLogLevel(dlog.Severity(config.LogLevel))
	}
	if config.UseSyslog {
		dlog.UseSyslog(true)
	} else if config.LogFile != nil {
		dlog.UseLogFile(*config.LogFile)
	}
	proxy.logMaxSize = config.LogMaxSize
	proxy.logMaxAge = config.LogMaxAge
	proxy.logMaxBackups = config.LogMaxBackups

	if len(config.ListenAddresses) == 0 {
		return errors.New("No local IP/port configured")
	}
	proxy.listenAddresses = config.ListenAddresses
	proxy.maxClients = config.MaxClients
	proxy.timeout = time.Duration(config.Timeout) * time.Millisecond
	proxy.queryTimeout = time.Duration(config.QueryTimeout) * time.Millisecond
	if proxy.queryTimeout < proxy.timeout {
		proxy.queryTimeout = proxy.timeout
	}
	if config.MaxDepth <= 0 {
		return errors.New("max_depth must be positive")
	}
	proxy.maxDepth = config.MaxDepth

	proxy.cacheEnabled = config.Cache
	proxy.cacheSize = config.CacheSize
	proxy.cacheMinTTL = config.CacheMinTTL
	proxy.cacheMaxTTL = config.CacheMaxTTL
	proxy.cacheNegMinTTL = config.CacheNegMinTTL
	proxy.cacheNegMaxTTL = config.CacheNegMaxTTL
	proxy.cacheSweepInterval = time.Duration(config.CacheSweepInterval) * time.Second

	proxy.ipv6Servers = config.IPv6Servers
	proxy.forwardFile = config.ForwardFile
	proxy.undelegatedFile = config.UndelegatedFile
	proxy.rateLimitQPS = config.RateLimitQPS
	proxy.rateLimitBurst = config.RateLimitBurst

	for _, clientStr := range config.AllowedClients {
		if _, _, err := net.ParseCIDR(clientStr); err != nil && net.ParseIP(strings.TrimSuffix(clientStr, "*")) == nil && !strings.HasSuffix(clientStr, "*") {
			return fmt.Errorf("Invalid allowed_clients entry: [%s]", clientStr)
		}
	}
	proxy.allowedClients = config.AllowedClients

	if len(config.Proxy) > 0 {
		proxyDialerURL, err := url.Parse(config.Proxy)
		if err != nil {
			dlog.Fatalf("Unable to parse the proxy URL [%v]", config.Proxy)
		}
		proxyDialer, err := netproxy.FromURL(proxyDialerURL, netproxy.Direct)
		if err != nil {
			dlog.Fatalf("Unable to use the proxy: [%v]", err)
		}
		proxy.proxyDialer = proxyDialer
	}

	if len(config.QueryLog.Format) == 0 {
		config.QueryLog.Format = "tsv"
	} else {
		config.QueryLog.Format = strings.ToLower(config.QueryLog.Format)
	}
	if config.QueryLog.Format != "tsv" && config.QueryLog.Format != "ltsv" {
		return errors.New("Unsupported query log format")
	}
	proxy.queryLogFile = config.QueryLog.File
	proxy.queryLogFormat = config.QueryLog.Format
	proxy.queryLogIgnoredQtypes = config.QueryLog.IgnoredQtypes

	if len(config.NxLog.Format) == 0 {
		config.NxLog.Format = "tsv"
	} else {
		config.NxLog.Format = strings.ToLower(config.NxLog.Format)
	}
	if config.NxLog.Format != "tsv" && config.NxLog.Format != "ltsv" {
		return errors.New("Unsupported NX log format")
	}
	proxy.nxLogFile = config.NxLog.File
	proxy.nxLogFormat = config.NxLog.Format

	netprobeTimeout := config.NetprobeTimeout
	flag.Visit(func(flag *flag.Flag) {
		if flag.Name == "netprobe-timeout" && netprobeTimeoutOverride != nil {
			netprobeTimeout = *netprobeTimeoutOverride
		}
	})
	netprobeAddress := DefaultNetprobeAddress
	if len(config.NetprobeAddress) > 0 {
		netprobeAddress = config.NetprobeAddress
	}
	if err := NetProbe(netprobeAddress, netprobeTimeout); err != nil {
		return err
	}

	if err := config.loadRootHints(proxy); err != nil {
		return err
	}
	if *list {
		for _, server := range proxy.rootServers {
			fmt.Println(server.Name, server.IPv4, server.IPv6)
		}
		os.Exit(0)
	}
	if len(*resolve) > 0 {
		ResolveAndPrint(proxy, *resolve)
		os.Exit(0)
	}
	if *check {
		dlog.Notice("Configuration successfully checked")
		os.Exit(0)
	}
	return nil
}

// loadRootHints picks the hint set in priority order: a verified hints
// source, then a local hints file, then the builtin IANA servers.
func (config *Config) loadRootHints(proxy *Proxy) error {
	proxy.rootServers = builtinRootServers
	if len(config.RootHintsFile) > 0 {
		text, err := ReadTextFile(config.RootHintsFile)
		if err != nil {
			return err
		}
		servers, err := ParseRootHints(text)
		if err != nil {
			return err
		}
		proxy.rootServers = servers
		dlog.Noticef("Root hints loaded from [%s] - %d servers", config.RootHintsFile, len(servers))
	}
	if len(config.HintsSource.URL) > 0 {
		source, err := NewHintsSource(
			config.HintsSource.URL,
			config.HintsSource.MinisignKeyStr,
			config.HintsSource.CacheFile,
			time.Duration(config.HintsSource.RefreshDelay)*time.Hour,
		)
		if err != nil {
			dlog.Warnf("Root hints source unavailable, keeping the current set: [%v]", err)
			return nil
		}
		if servers, err := source.Refresh(); err == nil {
			proxy.rootServers = servers
			dlog.Noticef("Root hints loaded from [%s] - %d servers", config.HintsSource.URL, len(servers))
		} else {
			dlog.Warnf("Root hints source unusable, keeping the current set: [%v]", err)
		}
		proxy.hintsSource = source
	}
	return nil
}

func cdFileDir(fileName string) {
	os.Chdir(filepath.Dir(fileName))
}

func cdLocal() {
	exeFileName, err := os.Executable()
	if err != nil {
		dlog.Warnf("Unable to determine the executable directory: [%s] -- You will need to specify absolute paths in the configuration file", err)
		return
	}
	os.Chdir(filepath.Dir(exeFileName))
}
