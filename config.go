package marketscan

import (
	"fmt"
	"io/ioutil"
	"os"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/alecthomas/log4go"
)

// Config is the configuration instance the rest of marketscan should access
// for global configuration values. See ScanConfig for available config
// members.
var Config ScanConfig

// ConfigName is the path (can be relative or absolute) to the config file
// that should be read.
var ConfigName string = "marketscan.yaml"

// ConfigLoadErr records a failure loading the default config file at
// package init (present but unreadable, bad yaml, or failed invariants).
// Commands check it and exit with the config-error status instead of this
// package panicking before a CLI exists to report cleanly. Environment
// overrides are applied in every case.
var ConfigLoadErr error

func init() {
	ConfigLoadErr = readConfig()
}

// ScanConfig defines the available global configuration parameters for
// marketscan. It reads values straight from the config file (marketscan.yaml
// by default) and then applies environment overrides for credentials. See
// sample-marketscan.yaml for explanations and default values.
type ScanConfig struct {
	Fetcher struct {
		UserAgents              []string `yaml:"user_agents"`
		AcceptFormats           []string `yaml:"accept_formats"`
		HttpTimeout             string   `yaml:"http_timeout"`
		MaxHTTPContentSizeBytes int64    `yaml:"max_http_content_size_bytes"`
		MaxDNSCacheEntries      int      `yaml:"max_dns_cache_entries"`
		MaxRedirects            int      `yaml:"max_redirects"`
		MaxConcurrentRequests   int      `yaml:"max_concurrent_requests"`
		PerHostConcurrency      int      `yaml:"per_host_concurrency"`
		RetryBackoffMin         string   `yaml:"retry_backoff_min"`
		RetryBackoffMax         string   `yaml:"retry_backoff_max"`
		HonorRobotsTxt          bool     `yaml:"honor_robots_txt"`
		MaxRobotsCrawlDelay     string   `yaml:"max_robots_crawl_delay"`
		BlockedBodyFloorBytes   int      `yaml:"blocked_body_floor_bytes"`
	} `yaml:"fetcher"`

	Keywords struct {
		StateDir  string `yaml:"state_dir"`
		BatchSize int    `yaml:"batch_size"`
	} `yaml:"keywords"`

	Dedupe struct {
		Capacity     int    `yaml:"capacity"`
		SnapshotDir  string `yaml:"snapshot_dir"`
		UseSnapshots bool   `yaml:"use_snapshots"`
	} `yaml:"dedupe"`

	Store struct {
		URL            string `yaml:"url"`
		APIKey         string `yaml:"api_key"`
		Timeout        string `yaml:"timeout"`
		MaxRetries     int    `yaml:"max_retries"`
		BackfillDays   int    `yaml:"backfill_days"`
		FileStoreDir   string `yaml:"file_store_dir"`
		DetectionsPath string `yaml:"detections_path"`
	} `yaml:"store"`

	Scan struct {
		NumWorkers        int     `yaml:"num_workers"`
		GraceWindow       string  `yaml:"grace_window"`
		BackpressureRatio float64 `yaml:"backpressure_ratio"`
		SummaryDir        string  `yaml:"summary_dir"`
		MaxErrorSamples   int     `yaml:"max_error_samples"`
	} `yaml:"scan"`

	EBay struct {
		AppID  string `yaml:"app_id"`
		CertID string `yaml:"cert_id"`
	} `yaml:"ebay"`
}

// SetDefaultConfig resets the Config object to default values, regardless of
// what was set by any configuration file.
func SetDefaultConfig() {
	// NOTE: go-yaml has a bug where it does not overwrite sequence values
	// (i.e. lists), it appends to them.
	// See https://github.com/go-yaml/yaml/issues/48
	// Until this is fixed, for any sequence value, in readConfig we have to
	// nil it and then fill in the default value if yaml.Unmarshal did not fill
	// anything in

	Config.Fetcher.UserAgents = defaultUserAgents()
	Config.Fetcher.AcceptFormats = []string{"text/html", "application/json", "text/*;"}
	Config.Fetcher.HttpTimeout = "25s"
	Config.Fetcher.MaxHTTPContentSizeBytes = 20 * 1024 * 1024 // 20MB
	Config.Fetcher.MaxDNSCacheEntries = 20000
	Config.Fetcher.MaxRedirects = 3
	Config.Fetcher.MaxConcurrentRequests = 16
	Config.Fetcher.PerHostConcurrency = 3
	Config.Fetcher.RetryBackoffMin = "1s"
	Config.Fetcher.RetryBackoffMax = "3s"
	Config.Fetcher.HonorRobotsTxt = true
	Config.Fetcher.MaxRobotsCrawlDelay = "10s"
	Config.Fetcher.BlockedBodyFloorBytes = 512

	Config.Keywords.StateDir = "."
	Config.Keywords.BatchSize = 30

	Config.Dedupe.Capacity = 200000
	Config.Dedupe.SnapshotDir = "."
	Config.Dedupe.UseSnapshots = true

	Config.Store.URL = ""
	Config.Store.APIKey = ""
	Config.Store.Timeout = "15s"
	Config.Store.MaxRetries = 3
	Config.Store.BackfillDays = 0
	Config.Store.FileStoreDir = "."
	Config.Store.DetectionsPath = "/rest/v1/detections"

	Config.Scan.NumWorkers = 0 // 0 means min(2 * numPlatforms, 16)
	Config.Scan.GraceWindow = "15s"
	Config.Scan.BackpressureRatio = 0.3
	Config.Scan.SummaryDir = "."
	Config.Scan.MaxErrorSamples = 5

	Config.EBay.AppID = ""
	Config.EBay.CertID = ""
}

func defaultUserAgents() []string {
	return []string{
		"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
		"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/123.0.0.0 Safari/537.36",
		"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
		"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:125.0) Gecko/20100101 Firefox/125.0",
		"Mozilla/5.0 (Macintosh; Intel Mac OS X 10.15; rv:124.0) Gecko/20100101 Firefox/124.0",
		"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.4 Safari/605.1.15",
	}
}

// applyEnvOverrides copies recognized environment variables over the values
// read from the config file. Credentials are only ever delivered through the
// environment in production; the yaml fields exist for development setups.
func applyEnvOverrides() {
	if v := os.Getenv("STORE_URL"); v != "" {
		Config.Store.URL = v
	}
	if v := os.Getenv("STORE_API_KEY"); v != "" {
		Config.Store.APIKey = v
	}
	if v := os.Getenv("PLATFORM_EBAY_APP_ID"); v != "" {
		Config.EBay.AppID = v
	}
	if v := os.Getenv("PLATFORM_EBAY_CERT_ID"); v != "" {
		Config.EBay.CertID = v
	}
	if v := os.Getenv("KEYWORD_STATE_DIR"); v != "" {
		Config.Keywords.StateDir = v
		Config.Dedupe.SnapshotDir = v
		Config.Scan.SummaryDir = v
	}
}

// ReadConfigFile sets a new path to find the marketscan yaml config file and
// forces a reload of the config. Unlike the implicit default file, an
// explicitly requested config file must exist.
func ReadConfigFile(path string) error {
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("Failed to read config file (%v): %v", path, err)
	}
	ConfigName = path
	return readConfig()
}

func assertConfigInvariants() error {
	var errs []string

	fet := &Config.Fetcher
	if len(fet.UserAgents) == 0 {
		errs = append(errs, "Fetcher.UserAgents must not be empty")
	}
	if fet.MaxConcurrentRequests < 1 {
		errs = append(errs, "Fetcher.MaxConcurrentRequests must be greater than 0")
	}
	if fet.PerHostConcurrency < 1 {
		errs = append(errs, "Fetcher.PerHostConcurrency must be greater than 0")
	}
	if fet.MaxRedirects < 0 {
		errs = append(errs, "Fetcher.MaxRedirects must not be negative")
	}
	for _, d := range []struct {
		name  string
		value string
	}{
		{"Fetcher.HttpTimeout", fet.HttpTimeout},
		{"Fetcher.RetryBackoffMin", fet.RetryBackoffMin},
		{"Fetcher.RetryBackoffMax", fet.RetryBackoffMax},
		{"Fetcher.MaxRobotsCrawlDelay", fet.MaxRobotsCrawlDelay},
		{"Store.Timeout", Config.Store.Timeout},
		{"Scan.GraceWindow", Config.Scan.GraceWindow},
	} {
		_, err := time.ParseDuration(d.value)
		if err != nil {
			errs = append(errs, fmt.Sprintf("%v failed to parse: %v", d.name, err))
		}
	}

	if Config.Keywords.BatchSize < 1 || Config.Keywords.BatchSize > 200 {
		errs = append(errs, "Keywords.BatchSize must be in [1, 200]")
	}
	if Config.Dedupe.Capacity < 1 {
		errs = append(errs, "Dedupe.Capacity must be greater than 0")
	}
	if Config.Store.MaxRetries < 0 {
		errs = append(errs, "Store.MaxRetries must not be negative")
	}
	if Config.Scan.BackpressureRatio < 0.0 || Config.Scan.BackpressureRatio > 1.0 {
		errs = append(errs, "Scan.BackpressureRatio must be a floating point number b/w 0 and 1")
	}

	if len(errs) > 0 {
		em := ""
		for _, err := range errs {
			log4go.Error("Config Error: %v", err)
			em += "\t"
			em += err
			em += "\n"
		}
		return fmt.Errorf("Config Error:\n%v\n", em)
	}

	return nil
}

// readConfig loads defaults, layers the config file over them if one
// exists, and applies environment overrides. A missing config file is not
// an error: the container/CI deployments run on defaults plus environment
// credentials and never ship a yaml file.
func readConfig() error {
	SetDefaultConfig()

	// See NOTE in SetDefaultConfig regarding sequence values
	Config.Fetcher.UserAgents = []string{}
	Config.Fetcher.AcceptFormats = []string{}

	data, err := ioutil.ReadFile(ConfigName)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &Config); err != nil {
			return fmt.Errorf("Failed to unmarshal yaml from config file (%v): %v", ConfigName, err)
		}
		log4go.Info("Loaded config file %v", ConfigName)
	case os.IsNotExist(err):
		log4go.Info("Did not find config file %v, continuing with defaults", ConfigName)
	default:
		return fmt.Errorf("Failed to read config file (%v): %v", ConfigName, err)
	}

	// See NOTE in SetDefaultConfig regarding sequence values
	if len(Config.Fetcher.UserAgents) == 0 {
		Config.Fetcher.UserAgents = defaultUserAgents()
	}
	if len(Config.Fetcher.AcceptFormats) == 0 {
		Config.Fetcher.AcceptFormats = []string{"text/html", "application/json", "text/*;"}
	}

	applyEnvOverrides()

	return assertConfigInvariants()
}
