package dnsr

import (
	"fmt"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// DomainInfo names the SOA primary server and responsible mailbox for one
// configured domain.
type DomainInfo struct {
	Mname string `yaml:"mname" mapstructure:"mname" validate:"required"`
	Rname string `yaml:"rname" mapstructure:"rname" validate:"required"`
}

// Config is the top-level shape of the YAML config file. Keys maps a TSIG
// key file label to the domains that key may update.
type Config struct {
	Log  LogConfig                        `yaml:"log" mapstructure:"log" validate:"required"`
	Keys map[string]map[string]DomainInfo `yaml:"keys" mapstructure:"keys"`
}

const (
	// EnvConfigFile is the environment variable that overrides the
	// default config file path.
	EnvConfigFile    = "DNSR_CONFIG"
	defaultConfigDir = "/etc/dnsr"
	defaultCfgFile   = defaultConfigDir + "/config.yml"

	// EnvTsigPath overrides the directory holding one secret file per
	// TSIG key.
	EnvTsigPath    = "DNSR_TSIG_PATH"
	defaultTsigDir = defaultConfigDir + "/keys"
)

// ConfigFilePath resolves the config file path: explicit flag wins, then
// the environment variable, then the compiled-in default.
func ConfigFilePath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if v := os.Getenv(EnvConfigFile); v != "" {
		return v
	}
	return defaultCfgFile
}

// TsigPath resolves the TSIG key directory the same way: explicit flag,
// then env var, then the compiled-in default.
func TsigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if v := os.Getenv(EnvTsigPath); v != "" {
		return v
	}
	return defaultTsigDir
}

// LoadConfig reads and validates the YAML config at path.
func LoadConfig(path string) (*Config, error) {
	// The keys section maps domain names, so map keys contain dots; viper
	// would otherwise split them into nested settings on Unmarshal. "::"
	// never appears in a domain name or a config path.
	v := viper.NewWithOptions(viper.KeyDelimiter("::"))
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	if err := v.ReadInConfig(); err != nil {
		return nil, wrapErr("LoadConfig", KindConfigParse, fmt.Errorf("reading %s: %w", path, err))
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, wrapErr("LoadConfig", KindConfigParse, fmt.Errorf("unmarshal %s: %w", path, err))
	}

	if err := validateConfig(&cfg, path); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func validateConfig(cfg *Config, path string) error {
	validate := validator.New()

	if err := validate.Struct(cfg.Log); err != nil {
		return wrapErr("validateConfig", KindConfigParse, fmt.Errorf("log section of %s: %w", path, err))
	}

	for keyfile, domains := range cfg.Keys {
		for domain, info := range domains {
			if err := validate.Struct(info); err != nil {
				return wrapErr("validateConfig", KindConfigParse,
					fmt.Errorf("keys[%s][%s] in %s: %w", keyfile, domain, path, err))
			}
		}
	}

	return nil
}

// normalizeDomain strips the _acme-challenge. label used for ACME DNS-01
// challenges before matching a TSIG key's authorized domain set.
func normalizeDomain(name string) string {
	name = strings.ToLower(dnsFQDN(name))
	const prefix = "_acme-challenge."
	if strings.HasPrefix(name, prefix) {
		return name[len(prefix):]
	}
	return name
}

func dnsFQDN(name string) string {
	if name == "" {
		return "."
	}
	if !strings.HasSuffix(name, ".") {
		return name + "."
	}
	return name
}
