/*
 * Copyright (c) 2025, Terrapod Authors. All rights reserved.
 * See LICENSE for license information.
 */

package config

const (
	serverPort        = "server.port"
	serverExternalURL = "server.external_url"
	serverInternalURL = "server.internal_url"

	dbHost         = "db.host"
	dbPort         = "db.port"
	dbName         = "db.name"
	dbUser         = "db.user"
	dbPassword     = "db.password"
	dbSSLMode      = "db.ssl_mode"
	dbMaxOpenConns = "db.max_open_conns"
	dbMaxIdleConns = "db.max_idle_conns"
	dbSecretPath   = "db.secret_path"

	redisAddr     = "redis.addr"
	redisPassword = "redis.password"
	redisDB       = "redis.db"

	storageBackend       = "storage.backend"
	storagePresignExpiry = "storage.presign_expiry_seconds"
	storageFsRoot        = "storage.fs.root"
	storageFsSecretPath  = "storage.fs.secret_path"
	storageS3Bucket      = "storage.s3.bucket"
	storageS3Region      = "storage.s3.region"
	storageS3Prefix      = "storage.s3.prefix"
	storageS3Endpoint    = "storage.s3.endpoint"
	storageAzureAccount  = "storage.azure.account"
	storageAzureSecret   = "storage.azure.secret_path"
	storageAzureBlobCntr = "storage.azure.container"
	storageAzurePrefix   = "storage.azure.prefix"
	storageGcsBucket     = "storage.gcs.bucket"
	storageGcsPrefix     = "storage.gcs.prefix"

	cryptoEnable     = "crypto.enable"
	cryptoSecretPath = "crypto.secret_path"

	caCacheDir = "ca.cache_dir"

	runnerNamespace         = "runner.namespace"
	runnerImage             = "runner.image"
	runnerVersion           = "runner.version"
	runnerBackend           = "runner.backend"
	runnerSetupScript       = "runner.setup_script"
	runnerBinaryURL         = "runner.binary_url"
	runnerJobTTLSeconds     = "runner.job_ttl_seconds"
	runnerJobTimeoutMinutes = "runner.job_timeout_minutes"

	listenerMode           = "listener.mode"
	listenerName           = "listener.name"
	listenerPool           = "listener.pool"
	listenerTokenPath      = "listener.join_token_path"
	listenerCertDir        = "listener.cert_dir"
	listenerMaxConcurrent  = "listener.max_concurrent"
	listenerAPIURL         = "listener.api_url"
	listenerInternalAPIURL = "listener.internal_api_url"
	listenerKubeConfig     = "listener.kube_config"
)
