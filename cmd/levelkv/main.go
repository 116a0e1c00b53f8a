// Copyright 2018 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

// Command levelkv inspects the files of a database directory.
package main

import (
	"log"
	"os"

	"github.com/cockroachdb/levelkv/tool"
	"github.com/spf13/cobra"
)

func main() {
	log.SetFlags(0)
	root := &cobra.Command{
		Use:          "levelkv [command] (flags)",
		Short:        "levelkv introspection tool",
		SilenceUsage: true,
	}
	root.AddCommand(tool.New().Commands...)
	if err := root.Execute(); err != nil {
		// Execute has printed err.
		os.Exit(1)
	}
}
