package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/netip"
	"net/url"
	"os"
	"time"

	env "github.com/Netflix/go-env"
	"github.com/joho/godotenv"
)

const (
	defaultBindAddress = "0.0.0.0"
	defaultHAPPort     = 8080
	defaultWebPort     = 8081
	defaultMQTTPort    = 1883

	MQTTModeEmbedded = "embedded"
	MQTTModeExternal = "external"
)

// HAPConfig configures the HomeKit bridge.
type HAPConfig struct {
	PIN         string `env:"Z2M_AUTOMATIONS_HAP_PIN,default=00102003"`
	StoragePath string `env:"Z2M_AUTOMATIONS_HAP_STORAGE_PATH,default=./data/hap"`
	Addr        string `env:"Z2M_AUTOMATIONS_HAP_ADDR"`
	BindAddress string `env:"Z2M_AUTOMATIONS_HAP_BIND_ADDRESS,default=0.0.0.0"`
	Port        int    `env:"Z2M_AUTOMATIONS_HAP_PORT,default=8080"`
}

// WebConfig configures the dashboard listener.
type WebConfig struct {
	Addr        string `env:"Z2M_AUTOMATIONS_WEB_ADDR"`
	BindAddress string `env:"Z2M_AUTOMATIONS_WEB_BIND_ADDRESS,default=0.0.0.0"`
	Port        int    `env:"Z2M_AUTOMATIONS_WEB_PORT,default=8081"`
}

// MQTTConfig selects between the embedded broker and an external one.
type MQTTConfig struct {
	Mode string `env:"Z2M_AUTOMATIONS_MQTT_MODE,default=embedded"`

	// Embedded broker listener
	Addr        string `env:"Z2M_AUTOMATIONS_MQTT_ADDR"`
	BindAddress string `env:"Z2M_AUTOMATIONS_MQTT_BIND_ADDRESS,default=0.0.0.0"`
	Port        int    `env:"Z2M_AUTOMATIONS_MQTT_PORT,default=1883"`

	// External broker
	BrokerURL string `env:"Z2M_AUTOMATIONS_MQTT_BROKER"`
	ClientID  string `env:"Z2M_AUTOMATIONS_MQTT_CLIENT_ID,default=z2m-automations"`
	Username  string `env:"Z2M_AUTOMATIONS_MQTT_USERNAME"`
	Password  string `env:"Z2M_AUTOMATIONS_MQTT_PASSWORD"`
}

// TailscaleConfig enables serving the dashboard on a tailnet when AuthKey is
// set.
type TailscaleConfig struct {
	Hostname string `env:"Z2M_AUTOMATIONS_TS_HOSTNAME,default=z2m-automations"`
	AuthKey  string `env:"Z2M_AUTOMATIONS_TS_AUTHKEY"`
	StateDir string `env:"Z2M_AUTOMATIONS_TS_STATE_DIR,default=./data/tailscale"`
}

// InfluxConfig enables dispatch history when URL is set.
type InfluxConfig struct {
	URL    string `env:"Z2M_AUTOMATIONS_INFLUX_URL"`
	Token  string `env:"Z2M_AUTOMATIONS_INFLUX_TOKEN"`
	Org    string `env:"Z2M_AUTOMATIONS_INFLUX_ORG,default=home"`
	Bucket string `env:"Z2M_AUTOMATIONS_INFLUX_BUCKET,default=automations"`
}

// Config holds all environment-driven configuration.
type Config struct {
	BaseTopic       string `env:"Z2M_AUTOMATIONS_BASE_TOPIC,default=zigbee2mqtt"`
	AutomationsPath string `env:"Z2M_AUTOMATIONS_CONFIG,default=./automations.yaml"`

	// Seconds to wait for the retained device inventory before loading
	// automations. Zero skips the wait.
	DevicesWaitSeconds int `env:"Z2M_AUTOMATIONS_DEVICES_WAIT_SECONDS,default=10"`

	HAP       HAPConfig
	Web       WebConfig
	MQTT      MQTTConfig
	Tailscale TailscaleConfig
	Influx    InfluxConfig

	LogLevel  string `env:"Z2M_AUTOMATIONS_LOG_LEVEL,default=info"`
	LogFormat string `env:"Z2M_AUTOMATIONS_LOG_FORMAT,default=json"`

	hapAddr  netip.AddrPort
	webAddr  netip.AddrPort
	mqttAddr netip.AddrPort
}

// Load reads configuration from the environment, after applying ./.env if
// present.
func Load() (*Config, error) {
	return LoadWithEnvFile(".env")
}

// LoadWithEnvFile is Load with an explicit dotenv path. Variables already in
// the environment win over the file.
func LoadWithEnvFile(path string) (*Config, error) {
	if path != "" {
		if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to load %s: %w", path, err)
		}
	}

	var cfg Config
	if _, err := env.UnmarshalFromEnviron(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse environment variables: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate ensures basic correctness of the configuration.
func (c *Config) Validate() error {
	if len(c.HAP.PIN) != 8 {
		return fmt.Errorf("HAP PIN must be exactly 8 digits")
	}
	for _, r := range c.HAP.PIN {
		if r < '0' || r > '9' {
			return fmt.Errorf("HAP PIN must be exactly 8 digits")
		}
	}
	if err := c.parseListenerAddrs(); err != nil {
		return err
	}
	if c.BaseTopic == "" {
		return fmt.Errorf("base topic cannot be empty")
	}
	if c.AutomationsPath == "" {
		return fmt.Errorf("automations path cannot be empty")
	}
	if c.DevicesWaitSeconds < 0 {
		return fmt.Errorf("devices wait must not be negative, got %d", c.DevicesWaitSeconds)
	}
	if err := c.validateMQTT(); err != nil {
		return err
	}
	if c.Influx.URL != "" {
		if _, err := url.ParseRequestURI(c.Influx.URL); err != nil {
			return fmt.Errorf("invalid InfluxDB URL %q: %w", c.Influx.URL, err)
		}
	}
	if err := validateLogLevel(c.LogLevel); err != nil {
		return err
	}
	if err := validateLogFormat(c.LogFormat); err != nil {
		return err
	}
	if c.Tailscale.StateDir == "" {
		return fmt.Errorf("TailscaleStateDir cannot be empty")
	}
	return nil
}

func (c *Config) validateMQTT() error {
	switch c.MQTT.Mode {
	case MQTTModeEmbedded:
		return nil
	case MQTTModeExternal:
		if c.MQTT.BrokerURL == "" {
			return fmt.Errorf("MQTT broker URL is required in external mode")
		}
		u, err := url.Parse(c.MQTT.BrokerURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("invalid MQTT broker URL %q", c.MQTT.BrokerURL)
		}
		if c.MQTT.ClientID == "" {
			return fmt.Errorf("MQTT client ID cannot be empty")
		}
		return nil
	default:
		return fmt.Errorf("invalid MQTT mode %q, must be 'embedded' or 'external'", c.MQTT.Mode)
	}
}

// DevicesWait is how long start-up waits for the device inventory.
func (c *Config) DevicesWait() time.Duration {
	return time.Duration(c.DevicesWaitSeconds) * time.Second
}

// External reports whether an external broker is used.
func (c *Config) External() bool {
	return c.MQTT.Mode == MQTTModeExternal
}

// TailscaleEnabled reports whether the dashboard joins a tailnet.
func (c *Config) TailscaleEnabled() bool {
	return c.Tailscale.AuthKey != ""
}

func (c *Config) parseListenerAddrs() error {
	hap, err := parseListener("HAP", c.HAP.Addr, &c.HAP.BindAddress, &c.HAP.Port, defaultHAPPort, "Z2M_AUTOMATIONS_HAP_PORT")
	if err != nil {
		return err
	}
	web, err := parseListener("web", c.Web.Addr, &c.Web.BindAddress, &c.Web.Port, defaultWebPort, "Z2M_AUTOMATIONS_WEB_PORT")
	if err != nil {
		return err
	}
	mqtt, err := parseListener("MQTT", c.MQTT.Addr, &c.MQTT.BindAddress, &c.MQTT.Port, defaultMQTTPort, "Z2M_AUTOMATIONS_MQTT_PORT")
	if err != nil {
		return err
	}

	c.hapAddr = hap
	c.webAddr = web
	c.mqttAddr = mqtt
	return nil
}

func parseListener(name, addr string, bind *string, port *int, defaultPort int, portEnv string) (netip.AddrPort, error) {
	if *bind == "" {
		*bind = defaultBindAddress
	}
	if *port == 0 && !envVarSet(portEnv) {
		*port = defaultPort
	}
	if err := validatePortRange(name, *port); err != nil {
		return netip.AddrPort{}, err
	}
	if addr == "" {
		addr = fmt.Sprintf("%s:%d", *bind, *port)
	}
	parsed, err := netip.ParseAddrPort(addr)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("invalid %s addr %q: %w", name, addr, err)
	}
	return parsed, nil
}

// HAPAddrPort returns the parsed HAP listener address.
func (c *Config) HAPAddrPort() netip.AddrPort {
	c.ensureParsed()
	return c.hapAddr
}

// WebAddrPort returns the parsed web listener address.
func (c *Config) WebAddrPort() netip.AddrPort {
	c.ensureParsed()
	return c.webAddr
}

// MQTTAddrPort returns the parsed embedded MQTT listener address.
func (c *Config) MQTTAddrPort() netip.AddrPort {
	c.ensureParsed()
	return c.mqttAddr
}

func (c *Config) ensureParsed() {
	if !c.hapAddr.IsValid() || !c.webAddr.IsValid() || !c.mqttAddr.IsValid() {
		if err := c.parseListenerAddrs(); err != nil {
			panic(fmt.Sprintf("failed to parse listener addresses: %v", err))
		}
	}
}

func validatePortRange(name string, port int) error {
	if port < 1 || port > 65535 {
		return fmt.Errorf("%s port must be between 1 and 65535, got %d", name, port)
	}
	return nil
}

func validateLogLevel(level string) error {
	switch level {
	case "debug", "info", "warn", "error":
		return nil
	default:
		return fmt.Errorf("invalid log level %q, must be one of: debug, info, warn, error", level)
	}
}

func validateLogFormat(format string) error {
	switch format {
	case "json", "console":
		return nil
	default:
		return fmt.Errorf("invalid log format %q, must be 'json' or 'console'", format)
	}
}

func envVarSet(key string) bool {
	if key == "" {
		return false
	}
	_, ok := os.LookupEnv(key)
	return ok
}
