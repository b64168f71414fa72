/*
 * Copyright © 2025 Suparena Software Inc., All rights reserved.
 */

package main

import (
	"fmt"
	"os"

	"github.com/suparena/membership/cmd/membership/commands"
	"github.com/suparena/membership/errors"
	"github.com/suparena/membership/logger"
)

func main() {
	err := commands.NewRootCmd().Execute()
	logger.Sync()
	if err != nil {
		if !errors.Is(err, commands.ErrNothingRemoved) {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			if hint := errors.FlattenHints(err); hint != "" {
				fmt.Fprintf(os.Stderr, "Hint: %s\n", hint)
			}
		}
		os.Exit(1)
	}
}
