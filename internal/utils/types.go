package utils

import "time"

type HTTPClientConfig struct {
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	KATimeout      time.Duration
	ProxyURL       string
	ProxyUsername  string
	ProxyPassword  string
	UserAgent      string
	BearerToken    string
	Headers        map[string]string
	HighThreadMode bool // larger socket buffers for many parallel connections
}

// Job is one resource to fetch into one output file.
type Job struct {
	ID          string
	URL         string
	OutputPath  string
	JobType     string
	Connections int
	PartSize    int64
}

type DownloadEntry struct {
	OutputPath string `yaml:"op"`
	URL        string `yaml:"link"`
}
