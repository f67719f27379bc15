/*
 * Copyright (c) 2025, Terrapod Authors. All rights reserved.
 * See LICENSE for license information.
 */

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

func SetValue(key string, value interface{}) {
	viper.Set(key, value)
}

func LoadConfig(path string) error {
	viper.SetConfigFile(path)
	viper.SetConfigType("yaml")
	return viper.ReadInConfig()
}

func getString(key, defaultValue string) string {
	if !viper.IsSet(key) {
		return defaultValue
	}
	return viper.GetString(key)
}

func getBool(key string, defaultValue bool) bool {
	if !viper.IsSet(key) {
		return defaultValue
	}
	return viper.GetBool(key)
}

func getInt(key string, defaultValue int) int {
	if !viper.IsSet(key) {
		return defaultValue
	}
	return viper.GetInt(key)
}

// getFromFile resolves a config item that is mounted as a file inside a
// secret directory. The item name is the file name.
func getFromFile(pathKey, item string) string {
	dir := getString(pathKey, "")
	if dir == "" {
		return ""
	}
	data, err := os.ReadFile(filepath.Join(dir, item))
	if err != nil {
		return ""
	}
	return strings.TrimSuffix(string(data), "\n")
}

func GetServerPort() int {
	return getInt(serverPort, 8080)
}

// GetExternalURL returns the externally advertised base URL of the control
// plane, used when building capability URLs handed to clients.
func GetExternalURL() string {
	return strings.TrimSuffix(getString(serverExternalURL, "http://localhost:8080"), "/")
}

// GetInternalURL returns the in-cluster service URL of the control plane,
// used by listeners when rewriting capability URLs for runner Jobs.
func GetInternalURL() string {
	url := getString(serverInternalURL, "")
	if url == "" {
		return GetExternalURL()
	}
	return strings.TrimSuffix(url, "/")
}

func GetDBHost() string {
	return getString(dbHost, "localhost")
}

func GetDBPort() int {
	return getInt(dbPort, 5432)
}

func GetDBName() string {
	return getString(dbName, "terrapod")
}

func GetDBUser() string {
	if user := getFromFile(dbSecretPath, "username"); user != "" {
		return user
	}
	return getString(dbUser, "terrapod")
}

func GetDBPassword() string {
	if passwd := getFromFile(dbSecretPath, "password"); passwd != "" {
		return passwd
	}
	return getString(dbPassword, "")
}

func GetDBSSLMode() string {
	return getString(dbSSLMode, "disable")
}

func GetDBMaxOpenConns() int {
	return getInt(dbMaxOpenConns, 20)
}

func GetDBMaxIdleConns() int {
	return getInt(dbMaxIdleConns, 5)
}

func GetRedisAddr() string {
	return getString(redisAddr, "localhost:6379")
}

func GetRedisPassword() string {
	return getString(redisPassword, "")
}

func GetRedisDB() int {
	return getInt(redisDB, 0)
}

func GetStorageBackend() string {
	return getString(storageBackend, "fs")
}

func GetPresignExpirySeconds() int {
	return getInt(storagePresignExpiry, 3600)
}

func GetFsStorageRoot() string {
	return getString(storageFsRoot, "/var/lib/terrapod/storage")
}

// GetFsStorageSecret returns the HMAC secret used to sign filesystem-backend
// capability URLs. Mounted as a file named "signing_key".
func GetFsStorageSecret() string {
	return getFromFile(storageFsSecretPath, "signing_key")
}

func GetS3Bucket() string {
	return getString(storageS3Bucket, "")
}

func GetS3Region() string {
	return getString(storageS3Region, "us-east-1")
}

func GetS3Prefix() string {
	return getString(storageS3Prefix, "")
}

func GetS3Endpoint() string {
	return getString(storageS3Endpoint, "")
}

func GetAzureAccount() string {
	return getString(storageAzureAccount, "")
}

// GetAzureAccountKey returns the shared key used for SAS signing. Mounted as
// a file named "account_key".
func GetAzureAccountKey() string {
	return getFromFile(storageAzureSecret, "account_key")
}

func GetAzureContainer() string {
	return getString(storageAzureBlobCntr, "")
}

func GetAzurePrefix() string {
	return getString(storageAzurePrefix, "")
}

func GetGcsBucket() string {
	return getString(storageGcsBucket, "")
}

func GetGcsPrefix() string {
	return getString(storageGcsPrefix, "")
}

func IsCryptoEnable() bool {
	return getBool(cryptoEnable, false)
}

func GetCryptoKey() string {
	return getFromFile(cryptoSecretPath, "key")
}

func GetCACacheDir() string {
	return getString(caCacheDir, "/var/lib/terrapod/ca")
}

func GetRunnerNamespace() string {
	return getString(runnerNamespace, "terrapod-runners")
}

func GetRunnerImage() string {
	return getString(runnerImage, "ghcr.io/terrapod/runner:latest")
}

func GetRunnerVersion() string {
	return getString(runnerVersion, "")
}

func GetRunnerBackend() string {
	return getString(runnerBackend, "")
}

func GetRunnerSetupScript() string {
	return getString(runnerSetupScript, "")
}

func GetRunnerBinaryURL() string {
	return getString(runnerBinaryURL, "")
}

func GetRunnerJobTTLSeconds() int {
	return getInt(runnerJobTTLSeconds, 3600)
}

func GetRunnerJobTimeoutMinutes() int {
	return getInt(runnerJobTimeoutMinutes, 60)
}

func GetListenerMode() string {
	return getString(listenerMode, "local")
}

func GetListenerName() string {
	return getString(listenerName, "local")
}

func GetListenerPool() string {
	return getString(listenerPool, "default")
}

func GetListenerJoinToken() string {
	return getFromFile(listenerTokenPath, "token")
}

func GetListenerCertDir() string {
	return getString(listenerCertDir, "/var/lib/terrapod/certs")
}

func GetListenerMaxConcurrent() int {
	return getInt(listenerMaxConcurrent, 3)
}

func GetListenerAPIURL() string {
	url := getString(listenerAPIURL, "")
	if url == "" {
		return fmt.Sprintf("http://localhost:%d", GetServerPort())
	}
	return strings.TrimSuffix(url, "/")
}

// GetListenerKubeConfig returns the kubeconfig path used when the listener
// runs outside the cluster. Empty means in-cluster credentials.
func GetListenerKubeConfig() string {
	return getString(listenerKubeConfig, "")
}

func GetListenerInternalAPIURL() string {
	url := getString(listenerInternalAPIURL, "")
	if url == "" {
		return GetListenerAPIURL()
	}
	return strings.TrimSuffix(url, "/")
}
