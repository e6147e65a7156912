// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2023 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

// Package config builds pipeline options and extensions from a JSON or YAML
// configuration source.
package config

import (
	"encoding/json"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/mochi-mqtt/extension"
	"github.com/mochi-mqtt/extension/extensions/audit/badger"
	"github.com/mochi-mqtt/extension/extensions/audit/bolt"
	"github.com/mochi-mqtt/extension/extensions/audit/pebble"
	"github.com/mochi-mqtt/extension/extensions/auth"
	"github.com/mochi-mqtt/extension/extensions/debug"
	"github.com/mochi-mqtt/extension/extensions/redis"
)

// config defines the structure of configuration data to be parsed from a config source.
type config struct {
	Options          extension.Options
	ExtensionConfigs ExtensionConfigs `yaml:"extensions" json:"extensions"`
}

// ExtensionConfigs contains configurations to enable individual extensions.
type ExtensionConfigs struct {
	Auth  *ExtensionAuthConfig  `yaml:"auth" json:"auth"`
	Redis *ExtensionRedisConfig `yaml:"redis" json:"redis"`
	Debug *ExtensionDebugConfig `yaml:"debug" json:"debug"`
	Audit *ExtensionAuditConfig `yaml:"audit" json:"audit"`
}

// ExtensionAuthConfig contains configurations for the auth extension.
type ExtensionAuthConfig struct {
	Ledger   auth.Ledger `yaml:"ledger" json:"ledger"`
	AllowAll bool        `yaml:"allow_all" json:"allow_all"`
	Priority int         `yaml:"priority" json:"priority"`
}

// ExtensionRedisConfig contains configurations for the redis authenticator.
type ExtensionRedisConfig struct {
	redis.Options `yaml:",inline"`
	Priority      int `yaml:"priority" json:"priority"`
}

// ExtensionDebugConfig contains configurations for the debug extension.
type ExtensionDebugConfig struct {
	debug.Options `yaml:",inline"`
	Priority      int `yaml:"priority" json:"priority"`
}

// ExtensionAuditConfig contains configurations for the different decision audit extensions.
type ExtensionAuditConfig struct {
	Badger *badger.Options `yaml:"badger" json:"badger"`
	Bolt   *bolt.Options   `yaml:"bolt" json:"bolt"`
	Pebble *pebble.Options `yaml:"pebble" json:"pebble"`
}

// ToExtensions converts extension file configurations into extensions to be added to the pipeline.
func (ec ExtensionConfigs) ToExtensions() []extension.ExtensionLoadConfig {
	var elc []extension.ExtensionLoadConfig

	if ec.Debug != nil {
		elc = append(elc, extension.ExtensionLoadConfig{
			Extension: new(debug.Extension),
			Config:    &ec.Debug.Options,
			Priority:  ec.Debug.Priority,
		})
	}

	if ec.Redis != nil {
		elc = append(elc, extension.ExtensionLoadConfig{
			Extension: new(redis.Extension),
			Config:    &ec.Redis.Options,
			Priority:  ec.Redis.Priority,
		})
	}

	if ec.Auth != nil {
		elc = append(elc, ec.toExtensionsAuth()...)
	}

	if ec.Audit != nil {
		elc = append(elc, ec.toExtensionsAudit()...)
	}

	return elc
}

// toExtensionsAuth converts auth extension configurations into auth extensions.
func (ec ExtensionConfigs) toExtensionsAuth() []extension.ExtensionLoadConfig {
	var elc []extension.ExtensionLoadConfig
	if ec.Auth.AllowAll {
		elc = append(elc, extension.ExtensionLoadConfig{
			Extension: new(auth.AllowExtension),
			Priority:  ec.Auth.Priority,
		})
	} else {
		elc = append(elc, extension.ExtensionLoadConfig{
			Extension: new(auth.Extension),
			Config: &auth.Options{
				Ledger: &auth.Ledger{ // avoid copying sync.Locker
					Users: ec.Auth.Ledger.Users,
					Auth:  ec.Auth.Ledger.Auth,
					ACL:   ec.Auth.Ledger.ACL,
				},
			},
			Priority: ec.Auth.Priority,
		})
	}
	return elc
}

// toExtensionsAudit converts audit extension configurations into audit extensions.
func (ec ExtensionConfigs) toExtensionsAudit() []extension.ExtensionLoadConfig {
	var elc []extension.ExtensionLoadConfig
	if ec.Audit.Badger != nil {
		elc = append(elc, extension.ExtensionLoadConfig{
			Extension: new(badger.Extension),
			Config:    ec.Audit.Badger,
		})
	}

	if ec.Audit.Bolt != nil {
		elc = append(elc, extension.ExtensionLoadConfig{
			Extension: new(bolt.Extension),
			Config:    ec.Audit.Bolt,
		})
	}

	if ec.Audit.Pebble != nil {
		elc = append(elc, extension.ExtensionLoadConfig{
			Extension: new(pebble.Extension),
			Config:    ec.Audit.Pebble,
		})
	}
	return elc
}

// FromBytes unmarshals a byte slice of JSON or YAML config data into a valid pipeline options value.
// Any extension configurations are converted into extensions using the toExtensions methods in this package.
func FromBytes(b []byte) (*extension.Options, error) {
	c := new(config)

	if len(b) == 0 {
		return nil, nil
	}

	if b[0] == '{' {
		err := json.Unmarshal(b, c)
		if err != nil {
			return nil, err
		}
	} else {
		err := yaml.Unmarshal(b, c)
		if err != nil {
			return nil, err
		}
	}

	o := c.Options
	o.Extensions = c.ExtensionConfigs.ToExtensions()

	return &o, nil
}

// FromFile reads and unmarshals a JSON or YAML config file.
func FromFile(path string) (*extension.Options, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	return FromBytes(b)
}
