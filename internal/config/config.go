// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package config carrega a configuração do nxdcc-server a partir de
// variáveis de ambiente, com um arquivo YAML opcional como base.
// Variáveis de ambiente sempre têm precedência sobre o arquivo.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config representa a configuração completa do nxdcc-server.
type Config struct {
	API      APIInfo      `yaml:"api"`
	IRC      IRCInfo      `yaml:"irc"`
	Download DownloadInfo `yaml:"download"`
	Progress ProgressInfo `yaml:"progress"`
	Logging  LoggingInfo  `yaml:"logging"`
	Offsite  OffsiteInfo  `yaml:"offsite"`
}

// APIInfo contém o endereço de escuta da API de requisições.
type APIInfo struct {
	Host string `yaml:"host"` // default: 0.0.0.0
	Port int    `yaml:"port"` // default: 8080
}

// Addr retorna o endereço host:port do listener da API.
func (a APIInfo) Addr() string {
	return fmt.Sprintf("%s:%d", a.Host, a.Port)
}

// IRCInfo identifica a sessão IRC do serviço.
type IRCInfo struct {
	Server  string `yaml:"server"`
	Nick    string `yaml:"nick"`
	Channel string `yaml:"channel"`
}

// DownloadInfo contém o destino dos arquivos e o comportamento de escrita.
type DownloadInfo struct {
	Destination string `yaml:"destination"` // default: /data

	// Resume habilita o aproveitamento de arquivos .part existentes.
	// ptr: nil (campo ausente) = default true.
	Resume    *bool `yaml:"resume"`
	ResumeRaw bool  `yaml:"-"` // preenchido por validate()

	// WriteRateLimit limita a escrita em disco em bytes/segundo.
	// "0" ou vazio desabilita o limiter. Aceita sufixos: kb, mb, gb.
	WriteRateLimit    string `yaml:"write_rate_limit"`
	WriteRateLimitRaw int64  `yaml:"-"`
}

// ProgressInfo contém o tick de progresso e a granularidade de log.
type ProgressInfo struct {
	Interval time.Duration `yaml:"interval"` // default: 1s

	// UpdatePercent é a granularidade do throttle de log de progresso:
	// uma entrada PROGRESS é gravada quando percent é múltiplo deste valor
	// ou igual a 100. Envelopes para o client não são afetados.
	UpdatePercent int `yaml:"update_percent"` // default: 5

	// DisableANSI troca a linha reescrita com '\r' por entradas de log
	// completas, adequadas a drivers de log de container.
	// ptr: nil (campo ausente) = default true.
	DisableANSI    *bool `yaml:"disable_ansi"`
	DisableANSIRaw bool  `yaml:"-"` // preenchido por validate()
}

// LoggingInfo contém configurações do sink de log.
type LoggingInfo struct {
	Level  string `yaml:"level"`  // default: info (DEBUG=true força debug)
	Format string `yaml:"format"` // default: json
	File   string `yaml:"file"`   // vazio = apenas stdout

	// MaxSize dispara a rotação do arquivo de log. "0" desabilita.
	MaxSize    string `yaml:"max_size"`
	MaxSizeRaw int64  `yaml:"-"`
}

// OffsiteInfo configura o upload opcional de downloads concluídos para S3.
// Desabilitado quando Bucket for vazio. Sem credenciais estáticas, a cadeia
// default do SDK resolve (env, shared config, IAM role).
type OffsiteInfo struct {
	Bucket    string `yaml:"bucket"`
	Prefix    string `yaml:"prefix"`
	Region    string `yaml:"region"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
}

// Enabled indica se o upload offsite está configurado.
func (o OffsiteInfo) Enabled() bool {
	return o.Bucket != ""
}

// Load lê o arquivo YAML opcional, aplica as variáveis de ambiente por cima
// e valida o resultado. path vazio pula a etapa do arquivo.
func Load(path string) (*Config, error) {
	var cfg Config

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// applyEnv sobrescreve campos com as variáveis de ambiente presentes.
func (c *Config) applyEnv() {
	if v := os.Getenv("HOST"); v != "" {
		c.API.Host = v
	}
	if v := os.Getenv("PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			c.API.Port = p
		}
	}
	if v := os.Getenv("FILE_DESTINATION"); v != "" {
		c.Download.Destination = v
	}
	if v := os.Getenv("IRC_SERVER"); v != "" {
		c.IRC.Server = v
	}
	if v := os.Getenv("IRC_NICK"); v != "" {
		c.IRC.Nick = v
	}
	if v := os.Getenv("IRC_CHANNEL"); v != "" {
		c.IRC.Channel = v
	}
	if v := os.Getenv("PROGRESS_INTERVAL"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil {
			c.Progress.Interval = time.Duration(secs) * time.Second
		}
	}
	if v := os.Getenv("PROGRESS_UPDATE_PERCENT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			c.Progress.UpdatePercent = p
		}
	}
	if v, ok := os.LookupEnv("DISABLE_PROGRESS_ANSI"); ok {
		b := parseBool(v, true)
		c.Progress.DisableANSI = &b
	}
	if v, ok := os.LookupEnv("RESUME"); ok {
		b := parseBool(v, true)
		c.Download.Resume = &b
	}
	if v := os.Getenv("WRITE_RATE_LIMIT"); v != "" {
		c.Download.WriteRateLimit = v
	}
	if v := os.Getenv("LOG_FILE"); v != "" {
		c.Logging.File = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		c.Logging.Format = v
	}
	if v := os.Getenv("LOG_MAX_SIZE"); v != "" {
		c.Logging.MaxSize = v
	}
	if parseBool(os.Getenv("DEBUG"), false) {
		c.Logging.Level = "debug"
	}
	if v := os.Getenv("S3_BUCKET"); v != "" {
		c.Offsite.Bucket = v
	}
	if v := os.Getenv("S3_PREFIX"); v != "" {
		c.Offsite.Prefix = v
	}
	if v := os.Getenv("S3_REGION"); v != "" {
		c.Offsite.Region = v
	}
	if v := os.Getenv("S3_ACCESS_KEY"); v != "" {
		c.Offsite.AccessKey = v
	}
	if v := os.Getenv("S3_SECRET_KEY"); v != "" {
		c.Offsite.SecretKey = v
	}
}

func (c *Config) validate() error {
	if c.API.Host == "" {
		c.API.Host = "0.0.0.0"
	}
	if c.API.Port == 0 {
		c.API.Port = 8080
	}
	if c.API.Port < 1 || c.API.Port > 65535 {
		return fmt.Errorf("api.port must be between 1 and 65535, got %d", c.API.Port)
	}
	if c.IRC.Server == "" {
		return fmt.Errorf("irc.server is required (IRC_SERVER)")
	}
	if c.IRC.Nick == "" {
		return fmt.Errorf("irc.nick is required (IRC_NICK)")
	}
	if c.IRC.Channel == "" {
		return fmt.Errorf("irc.channel is required (IRC_CHANNEL)")
	}
	if !strings.HasPrefix(c.IRC.Channel, "#") {
		c.IRC.Channel = "#" + c.IRC.Channel
	}
	if c.Download.Destination == "" {
		c.Download.Destination = "/data"
	}
	// Separadores finais são removidos; o store recria o path com filepath.Join.
	c.Download.Destination = strings.TrimRight(c.Download.Destination, "/\\")
	if c.Download.Destination == "" {
		c.Download.Destination = "/"
	}
	if c.Progress.Interval <= 0 {
		c.Progress.Interval = 1 * time.Second
	}
	if c.Progress.UpdatePercent <= 0 || c.Progress.UpdatePercent > 100 {
		c.Progress.UpdatePercent = 5
	}
	// Resume e DisableANSI: nil significa campo ausente → default true.
	if c.Download.Resume == nil {
		v := true
		c.Download.Resume = &v
	}
	c.Download.ResumeRaw = *c.Download.Resume
	if c.Progress.DisableANSI == nil {
		v := true
		c.Progress.DisableANSI = &v
	}
	c.Progress.DisableANSIRaw = *c.Progress.DisableANSI
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	if c.Download.WriteRateLimit == "" || c.Download.WriteRateLimit == "0" {
		c.Download.WriteRateLimitRaw = 0 // desabilitado
	} else {
		parsed, err := ParseByteSize(c.Download.WriteRateLimit)
		if err != nil {
			return fmt.Errorf("download.write_rate_limit: %w", err)
		}
		if parsed <= 0 {
			return fmt.Errorf("download.write_rate_limit must be > 0 or \"0\" to disable, got %s", c.Download.WriteRateLimit)
		}
		c.Download.WriteRateLimitRaw = parsed
	}

	if c.Logging.MaxSize == "" || c.Logging.MaxSize == "0" {
		c.Logging.MaxSizeRaw = 0 // rotação desabilitada
	} else {
		parsed, err := ParseByteSize(c.Logging.MaxSize)
		if err != nil {
			return fmt.Errorf("logging.max_size: %w", err)
		}
		if parsed <= 0 {
			return fmt.Errorf("logging.max_size must be > 0 or \"0\" to disable, got %s", c.Logging.MaxSize)
		}
		c.Logging.MaxSizeRaw = parsed
	}

	return nil
}

// parseBool interpreta valores booleanos de env vars ("true", "1", "yes").
// Retorna def para strings vazias ou não reconhecidas.
func parseBool(s string, def bool) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "1", "yes", "on":
		return true
	case "false", "0", "no", "off":
		return false
	default:
		return def
	}
}

// ParseByteSize converte strings human-readable como "256mb", "1gb" para bytes.
func ParseByteSize(s string) (int64, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return 0, fmt.Errorf("empty size string")
	}

	// Ordenado do sufixo mais longo para o mais curto
	// para evitar que "mb" matche como "b"
	type suffix struct {
		s string
		m int64
	}
	suffixes := []suffix{
		{"gb", 1024 * 1024 * 1024},
		{"mb", 1024 * 1024},
		{"kb", 1024},
		{"b", 1},
	}

	for _, sfx := range suffixes {
		if strings.HasSuffix(s, sfx.s) {
			numStr := strings.TrimSuffix(s, sfx.s)
			num, err := strconv.ParseInt(numStr, 10, 64)
			if err != nil {
				return 0, fmt.Errorf("invalid number %q: %w", numStr, err)
			}
			return num * sfx.m, nil
		}
	}

	// Tenta interpretar como número puro (bytes)
	num, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("unknown size format %q", s)
	}
	return num, nil
}
