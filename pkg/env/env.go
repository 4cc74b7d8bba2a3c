// Copyright 2025 AgentCache Authors
// SPDX-License-Identifier: Apache-2.0

package env

import (
	"sync"

	"github.com/spf13/viper"
)

const Local = "local"

var (
	Env string

	once sync.Once
)

func IsLocal() bool {
	return Env == Local
}

func init() {
	once.Do(func() {
		Env = viper.GetString("ENV")
		if Env == "" {
			Env = Local
		}
	})
}
