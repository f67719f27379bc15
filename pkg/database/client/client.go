/*
 * Copyright (c) 2025, Terrapod Authors. All rights reserved.
 * See LICENSE for license information.
 */

package client

import (
	"fmt"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	utilerrors "k8s.io/apimachinery/pkg/util/errors"
	"k8s.io/klog/v2"

	"github.com/mattrobinsonsre/terrapod/pkg/database"
)

var (
	once     sync.Once
	instance *Client
)

// Client is the relational store client. It wraps a single sqlx connection
// pool shared by every entity client.
type Client struct {
	db                 *sqlx.DB
	*database.DBConfig // Embedded database configuration
	RequestTimeout     time.Duration
}

// NewClient creates the singleton database client. The initialization happens
// only once even if called multiple times; a nil return means the database is
// unreachable or misconfigured.
func NewClient() *Client {
	once.Do(func() {
		cfg := database.NewDBConfig()
		if err := checkParams(cfg); err != nil {
			klog.ErrorS(err, "failed to check db params")
			return
		}
		db, err := database.Connect(cfg, database.PgDriver)
		if err != nil {
			klog.Errorf("%s", err.Error())
			return
		}
		if err = db.Ping(); err != nil {
			klog.ErrorS(err, "failed to ping db")
			return
		}
		instance = &Client{db: db, DBConfig: cfg, RequestTimeout: 30 * time.Second}
		klog.Infof("init db-client successfully! host: %s, db: %s", cfg.Host, cfg.DBName)
	})
	return instance
}

// NewClientWithDB wraps an existing connection, for tests and for callers
// that manage the pool themselves.
func NewClientWithDB(db *sqlx.DB) *Client {
	return &Client{db: db, RequestTimeout: 30 * time.Second}
}

// DB exposes the underlying pool for callers that need transactions.
func (c *Client) DB() *sqlx.DB {
	return c.db
}

func checkParams(cfg *database.DBConfig) error {
	var errs []error
	if cfg.Host == "" {
		errs = append(errs, fmt.Errorf("db host is empty"))
	}
	if cfg.DBName == "" {
		errs = append(errs, fmt.Errorf("db name is empty"))
	}
	if cfg.Username == "" {
		errs = append(errs, fmt.Errorf("db username is empty"))
	}
	return utilerrors.NewAggregate(errs)
}
