// Command shelfstatus は所蔵状況集約APIサーバーとワーカーを起動する。
//
//	shelfstatus [serve|worker|migrate|healthcheck]
package main

import (
	"fmt"
	"os"

	"github.com/hitoshi/shelfstatus/internal/app"
)

func main() {
	if err := app.Run(os.Stdout, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "shelfstatus: %v\n", err)
		os.Exit(1)
	}
}
