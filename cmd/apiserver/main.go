/*
 * Copyright (c) 2025, Terrapod Authors. All rights reserved.
 * See LICENSE for license information.
 */

package main

import (
	"fmt"
	"os"

	"github.com/mattrobinsonsre/terrapod/pkg/server"
)

func main() {
	s, err := server.NewServer()
	if err != nil {
		fmt.Println("failed to new server, err: ", err.Error())
		os.Exit(1)
	}
	s.Start()
}
