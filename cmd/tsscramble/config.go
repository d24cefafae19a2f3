// Copyright 2024, Littlelies.
// https://github.com/Littlelies/tsduck
//
// Use of this source code is governed by a MIT-style license
// that can be found in the License file.

package main

import (
	"encoding/json"
	"io/ioutil"

	"github.com/q191201771/naza/pkg/nazajson"
	log "github.com/q191201771/naza/pkg/nazalog"
)

// LogConfig is the optional -c JSON config's only section: tsscramble's
// remaining parameters all come from CLI flags, but logging setup
// follows app/lals/config.go's JSON-plus-defaults pattern.
type LogConfig struct {
	Log log.Option `json:"log"`
}

func loadLogConfig(confFile string) (LogConfig, error) {
	var cfg LogConfig
	if confFile == "" {
		cfg.Log.Level = log.LevelInfo
		cfg.Log.IsToStdout = true
		cfg.Log.ShortFileFlag = true
		cfg.Log.AssertBehavior = log.AssertError
		return cfg, nil
	}

	raw, err := ioutil.ReadFile(confFile)
	if err != nil {
		return cfg, err
	}
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return cfg, err
	}

	j, err := nazajson.New(raw)
	if err != nil {
		return cfg, err
	}
	if !j.Exist("log.level") {
		cfg.Log.Level = log.LevelInfo
	}
	if !j.Exist("log.is_to_stdout") {
		cfg.Log.IsToStdout = true
	}
	if !j.Exist("log.short_file_flag") {
		cfg.Log.ShortFileFlag = true
	}
	if !j.Exist("log.assert_behavior") {
		cfg.Log.AssertBehavior = log.AssertError
	}
	return cfg, nil
}
