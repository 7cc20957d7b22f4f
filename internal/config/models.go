package config

import "time"

type Config struct {
	GracefulDuration time.Duration
	Metrics          Metrics
	Logs             Logs
	Watchlist        string
	LockFile         string
	Watch            Watch
	Queue            Queue
	Reader           Reader
	Sinks            Sinks
	Stats            Stats
}

type Metrics struct {
	Port      int
	Namespace string
}

type Logs struct {
	Level   int
	Encoder EncoderType
}

type EncoderType string

const (
	EncoderTypeJson    EncoderType = "json"
	EncoderTypeConsole EncoderType = "console"
)

type Watch struct {
	PollInterval time.Duration
	BaseDelay    time.Duration
	MaxDelay     time.Duration
	MaxFailures  uint
}

type Queue struct {
	Size  int
	Grace time.Duration
}

type ReaderDriver string

const (
	ReaderDriverWMI   ReaderDriver = "wmi"
	ReaderDriverJSONL ReaderDriver = "jsonl"
)

type Reader struct {
	Driver    ReaderDriver
	Timeout   time.Duration
	RateLimit float64
	Burst     int
	WMI       WMI
	JSONL     JSONL
}

type WMI struct {
	Namespace string
	Creds     WMICreds
}

type WMICreds struct {
	User     string
	Password string
}

func (c WMICreds) String() string {
	if c.User != "" && c.Password != "" {
		return "creds set"
	}

	return "current user"
}

type JSONL struct {
	Directory string
}

type Sinks struct {
	Console Console
	Kafka   Kafka
	Valkey  Valkey
	Kube    Kube
	Retry   Retry
}

type Console struct {
	Enabled bool
	Format  ConsoleFormat
}

type ConsoleFormat string

const (
	ConsoleFormatText ConsoleFormat = "text"
	ConsoleFormatJSON ConsoleFormat = "json"
)

type Retry struct {
	MaxAttempt uint
	Delay      time.Duration
}

type S3 struct {
	Bucket       string
	KeyPrefix    string
	BaseEndpoint string
	Region       string
	UsePathStyle bool
	Creds        AWSCreds
}

type AWSCreds struct {
	AccessKeyID     string
	SecretAccessKey string
}

func (c AWSCreds) String() string {
	if c.AccessKeyID != "" && c.SecretAccessKey != "" {
		return "creds set"
	}

	return "no creds"
}

type Kafka struct {
	Enabled bool
	Broker  KafkaBroker
	Topic   string
}

type KafkaBroker struct {
	URLs    string
	Version string
	Creds   KafkaCreds
}

type KafkaCreds struct {
	User      string
	Password  string
	Mechanism string
}

func (c KafkaCreds) String() string {
	if c.User != "" && c.Password != "" {
		return c.Mechanism + " creds set"
	}

	return "no creds"
}

type Valkey struct {
	Enabled bool
	URL     string
	Stream  string
	MaxLen  int64
	Creds   ValkeyCreds
}

type ValkeyCreds struct {
	Password string
}

func (c ValkeyCreds) String() string {
	if c.Password != "" {
		return "password set"
	}

	return "no password"
}

type Kube struct {
	Enabled    bool
	Kubeconfig string
	Namespace  string
	Component  string
}

type Stats struct {
	Enabled   bool
	Interval  time.Duration
	Directory string
	S3        S3
}
