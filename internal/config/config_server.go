package config

// ServerConfig controls the proxy front-end's listening behaviour.
type ServerConfig struct {
	Host     string `yaml:"host"`
	HTTPPort int    `yaml:"http_port"`
}
