package types

import "time"

// Mode constants for gateway operation
const (
	ModeLocal  = "local"  // No Redis/Postgres, in-memory stores
	ModeRemote = "remote" // Redis fan-out and Postgres canonical store
)

// AppConfig is the root configuration for the airsync gateway
type AppConfig struct {
	Mode       string `key:"mode" json:"mode"` // "local" or "remote"
	DebugMode  bool   `key:"debugMode" json:"debug_mode"`
	PrettyLogs bool   `key:"prettyLogs" json:"pretty_logs"`

	Database DatabaseConfig `key:"database" json:"database"`
	Gateway  GatewayConfig  `key:"gateway" json:"gateway"`
	Sandbox  SandboxConfig  `key:"sandbox" json:"sandbox"`
	Watcher  WatcherConfig  `key:"watcher" json:"watcher"`
	Sync     SyncConfig     `key:"sync" json:"sync"`
	Terminal TerminalConfig `key:"terminal" json:"terminal"`
	Presence PresenceConfig `key:"presence" json:"presence"`
	Auth     AuthConfig     `key:"auth" json:"auth"`
}

// IsLocalMode returns true if running in local mode (no Redis/Postgres)
func (c *AppConfig) IsLocalMode() bool {
	return c.Mode == ModeLocal
}

// ----------------------------------------------------------------------------
// Database Configuration
// ----------------------------------------------------------------------------

type DatabaseConfig struct {
	Redis    RedisConfig    `key:"redis" json:"redis"`
	Postgres PostgresConfig `key:"postgres" json:"postgres"`
}

type RedisMode string

const (
	RedisModeSingle  RedisMode = "single"
	RedisModeCluster RedisMode = "cluster"
)

type RedisConfig struct {
	Mode               RedisMode     `key:"mode" json:"mode"`
	Addrs              []string      `key:"addrs" json:"addrs"`
	Username           string        `key:"username" json:"username"`
	Password           string        `key:"password" json:"password"`
	ClientName         string        `key:"clientName" json:"client_name"`
	EnableTLS          bool          `key:"enableTLS" json:"enable_tls"`
	InsecureSkipVerify bool          `key:"insecureSkipVerify" json:"insecure_skip_verify"`
	PoolSize           int           `key:"poolSize" json:"pool_size"`
	MinIdleConns       int           `key:"minIdleConns" json:"min_idle_conns"`
	MaxIdleConns       int           `key:"maxIdleConns" json:"max_idle_conns"`
	ConnMaxIdleTime    time.Duration `key:"connMaxIdleTime" json:"conn_max_idle_time"`
	ConnMaxLifetime    time.Duration `key:"connMaxLifetime" json:"conn_max_lifetime"`
	DialTimeout        time.Duration `key:"dialTimeout" json:"dial_timeout"`
	ReadTimeout        time.Duration `key:"readTimeout" json:"read_timeout"`
	WriteTimeout       time.Duration `key:"writeTimeout" json:"write_timeout"`
	MaxRedirects       int           `key:"maxRedirects" json:"max_redirects"`
	MaxRetries         int           `key:"maxRetries" json:"max_retries"`
	RouteByLatency     bool          `key:"routeByLatency" json:"route_by_latency"`
}

type PostgresConfig struct {
	Host            string        `key:"host" json:"host"`
	Port            int           `key:"port" json:"port"`
	User            string        `key:"user" json:"user"`
	Password        string        `key:"password" json:"password"`
	Database        string        `key:"database" json:"database"`
	SSLMode         string        `key:"sslMode" json:"ssl_mode"`
	Schema          string        `key:"schema" json:"schema"`
	ApplicationName string        `key:"applicationName" json:"application_name"`
	MaxOpenConns    int           `key:"maxOpenConns" json:"max_open_conns"`
	MaxIdleConns    int           `key:"maxIdleConns" json:"max_idle_conns"`
	ConnMaxLifetime time.Duration `key:"connMaxLifetime" json:"conn_max_lifetime"`
}

// ----------------------------------------------------------------------------
// Gateway Configuration
// ----------------------------------------------------------------------------

type GatewayConfig struct {
	HTTP            HTTPConfig    `key:"http" json:"http"`
	ShutdownTimeout time.Duration `key:"shutdownTimeout" json:"shutdown_timeout"`
}

type HTTPConfig struct {
	Host string     `key:"host" json:"host"`
	Port int        `key:"port" json:"port"`
	CORS CORSConfig `key:"cors" json:"cors"`
}

type CORSConfig struct {
	AllowedOrigins []string `key:"allowOrigins" json:"allow_origins"`
	AllowedMethods []string `key:"allowMethods" json:"allow_methods"`
	AllowedHeaders []string `key:"allowHeaders" json:"allow_headers"`
}

// ----------------------------------------------------------------------------
// Engine Configuration
// ----------------------------------------------------------------------------

// SandboxRuntime selects the sandbox provisioner
type SandboxRuntime string

const (
	SandboxRuntimeLocal SandboxRuntime = "local"
	SandboxRuntimeRunc  SandboxRuntime = "runc"
)

// SandboxConfig controls how project sandboxes are provisioned
type SandboxConfig struct {
	Runtime   SandboxRuntime    `key:"runtime" json:"runtime"`
	Runc      RuncConfig        `key:"runc" json:"runc"`
	RootDir   string            `key:"rootDir" json:"root_dir"`
	Shell     string            `key:"shell" json:"shell"`
	ShellArgs []string          `key:"shellArgs" json:"shell_args"`
	Env       map[string]string `key:"env" json:"env"`

	// Wrapper is prepended to every spawned command (e.g. bwrap, nsjail).
	// The token {workdir} is replaced with the sandbox working directory.
	Wrapper []string `key:"wrapper" json:"wrapper"`

	IdleTimeout      time.Duration `key:"idleTimeout" json:"idle_timeout"`
	ProvisionRetries int           `key:"provisionRetries" json:"provision_retries"`
	ProvisionTimeout time.Duration `key:"provisionTimeout" json:"provision_timeout"`

	// RequestWait bounds how long a sandbox request blocks before answering "pending"
	RequestWait time.Duration `key:"requestWait" json:"request_wait"`
}

// ShellCommand returns the shell and its arguments
func (c SandboxConfig) ShellCommand() []string {
	shell := c.Shell
	if shell == "" {
		shell = "/bin/sh"
	}
	return append([]string{shell}, c.ShellArgs...)
}

// RuncConfig configures OCI containers for the runc runtime. The project
// working directory stays on the host and is bind mounted at WorkDir.
type RuncConfig struct {
	Binary    string `key:"binary" json:"binary"`
	StateRoot string `key:"stateRoot" json:"state_root"`
	BundleDir string `key:"bundleDir" json:"bundle_dir"`
	Rootfs    string `key:"rootfs" json:"rootfs"`
	WorkDir   string `key:"workDir" json:"work_dir"`
	UID       uint32 `key:"uid" json:"uid"`
	GID       uint32 `key:"gid" json:"gid"`

	// CPU is in millicores, Memory in bytes; zero means unlimited
	CPU         int64  `key:"cpu" json:"cpu"`
	Memory      int64  `key:"memory" json:"memory"`
	MaxOpenFile uint64 `key:"maxOpenFiles" json:"max_open_files"`
	MaxProcs    uint64 `key:"maxProcs" json:"max_procs"`

	// HostNetwork shares the host network namespace instead of an isolated one
	HostNetwork bool `key:"hostNetwork" json:"host_network"`
}

// WatcherBackend selects the change watcher implementation
type WatcherBackend string

const (
	WatcherBackendPoll   WatcherBackend = "poll"
	WatcherBackendNotify WatcherBackend = "notify"
)

type WatcherConfig struct {
	Interval    time.Duration  `key:"interval" json:"interval"`
	Backend     WatcherBackend `key:"backend" json:"backend"`
	Ignore      []string       `key:"ignore" json:"ignore"`
	MaxFileSize int64          `key:"maxFileSize" json:"max_file_size"`
	Retries     int            `key:"retries" json:"retries"`
}

type SyncConfig struct {
	EchoWindow    time.Duration `key:"echoWindow" json:"echo_window"`
	EchoCacheSize int           `key:"echoCacheSize" json:"echo_cache_size"`
	QueueSize     int           `key:"queueSize" json:"queue_size"`
	OpTimeout     time.Duration `key:"opTimeout" json:"op_timeout"`
	Retries       int           `key:"retries" json:"retries"`
}

type TerminalConfig struct {
	GracePeriod time.Duration `key:"gracePeriod" json:"grace_period"`
	BufferSize  int           `key:"bufferSize" json:"buffer_size"`
	DefaultCols uint16        `key:"defaultCols" json:"default_cols"`
	DefaultRows uint16        `key:"defaultRows" json:"default_rows"`
}

type PresenceConfig struct {
	TypingTimeout   time.Duration `key:"typingTimeout" json:"typing_timeout"`
	DisconnectGrace time.Duration `key:"disconnectGrace" json:"disconnect_grace"`
	LockTTL         time.Duration `key:"lockTTL" json:"lock_ttl"`
}

// ----------------------------------------------------------------------------
// Auth Configuration
// ----------------------------------------------------------------------------

type AuthMode string

const (
	AuthModeNone   AuthMode = "none"
	AuthModeStatic AuthMode = "static"
)

// AuthConfig configures the capability checks consumed by the engine
type AuthConfig struct {
	Mode   AuthMode          `key:"mode" json:"mode"`
	Tokens []StaticTokenRule `key:"tokens" json:"tokens"`
}

// StaticTokenRule maps a bearer token to a user and the projects it may touch
type StaticTokenRule struct {
	Token    string   `key:"token" json:"token"`
	UserID   string   `key:"userId" json:"user_id"`
	Projects []string `key:"projects" json:"projects"` // empty or "*" = all projects
	ReadOnly bool     `key:"readOnly" json:"read_only"`
}
