// The main package for the ig2spotify executable.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/JakeFAU/ig2spotify/cmd"
)

func main() {
	if err := cmd.Execute(context.Background()); err != nil {
		if !errors.Is(err, context.Canceled) {
			fmt.Fprintln(os.Stderr, "error:", err)
		}
		os.Exit(1)
	}
}
