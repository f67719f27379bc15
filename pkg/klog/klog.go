/*
 * Copyright (c) 2025, Terrapod Authors. All rights reserved.
 * See LICENSE for license information.
 */

package klog

import (
	"flag"
	"strconv"

	"k8s.io/klog/v2"
)

// Init wires the process-wide klog backend. With a logfilePath the process
// logs to that file and mirrors to stderr; without one it logs to stderr
// only, which is what the containerized apiserver and listener run with.
// logFileSize caps the file in megabytes, 0 meaning unlimited.
func Init(logfilePath string, logFileSize int) error {
	klog.InitFlags(nil)
	if logfilePath != "" {
		if err := flag.Set("log_file", logfilePath); err != nil {
			return err
		}
		if err := flag.Set("logtostderr", "false"); err != nil {
			return err
		}
		if err := flag.Set("alsologtostderr", "true"); err != nil {
			return err
		}
		if logFileSize > 0 {
			if err := flag.Set("log_file_max_size", strconv.Itoa(logFileSize)); err != nil {
				return err
			}
		}
	}
	if err := flag.Set("skip_log_headers", "true"); err != nil {
		return err
	}
	flag.Parse()
	return nil
}
