/*
 * Copyright (c) 2025, Terrapod Authors. All rights reserved.
 * See LICENSE for license information.
 */

package database

import (
	"fmt"
	"time"

	"github.com/mattrobinsonsre/terrapod/pkg/config"
)

type DBConfig struct {
	DBName       string
	Username     string
	Password     string
	Host         string
	SSLMode      string
	Port         int
	MaxOpenConns int
	MaxIdleConns int
	MaxIdleTime  time.Duration
	MaxLifetime  time.Duration
}

func NewDBConfig() *DBConfig {
	return &DBConfig{
		DBName:       config.GetDBName(),
		Username:     config.GetDBUser(),
		Password:     config.GetDBPassword(),
		Host:         config.GetDBHost(),
		SSLMode:      config.GetDBSSLMode(),
		Port:         config.GetDBPort(),
		MaxOpenConns: config.GetDBMaxOpenConns(),
		MaxIdleConns: config.GetDBMaxIdleConns(),
		MaxIdleTime:  5 * time.Minute,
		MaxLifetime:  time.Hour,
	}
}

func (cfg *DBConfig) SourceName() string {
	return fmt.Sprintf("host=%s port=%d user=%s dbname=%s password=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.Username, cfg.DBName, cfg.Password, cfg.SSLMode)
}
