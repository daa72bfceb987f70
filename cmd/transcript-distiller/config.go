package main

import (
	"errors"
)

type Config struct {
	SettingsPath string
	InPath       string
	OutDir       string
	APIKey       string

	TermBankPath   string
	ReportPath     string
	EmbeddingModel string

	Pretty    bool
	Overwrite bool
	Resume    bool

	MaxChunks         int
	RequestsPerSecond float64
	Concurrency       int
	CacheSize         int
}

func (c Config) Validate() error {
	if c.SettingsPath == "" {
		return errors.New("missing -settings")
	}
	if c.InPath == "" {
		return errors.New("missing -in")
	}
	if c.OutDir == "" {
		return errors.New("missing -out")
	}
	if c.MaxChunks < 0 {
		return errors.New("max-chunks must be >= 0")
	}
	if c.RequestsPerSecond < 0 {
		return errors.New("rps must be >= 0")
	}
	if c.Concurrency < 1 {
		return errors.New("concurrency must be >= 1")
	}
	if c.CacheSize < 1 {
		return errors.New("cache-size must be >= 1")
	}
	return nil
}

func defaultConfig() Config {
	return Config{
		SettingsPath:      "config.yaml",
		Resume:            true,
		RequestsPerSecond: 2,
		Concurrency:       4,
		CacheSize:         1024,
	}
}
