package main

import (
	"context"
	"fmt"
	"os"

	"github.com/drblury/flotilla/internal/cli"
	_ "github.com/drblury/flotilla/transport/transports"
)

func main() {
	if err := cli.NewRoot(cli.Options{}).ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "flotilla:", err)
		os.Exit(1)
	}
}
