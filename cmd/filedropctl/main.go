package main

import (
	"context"
	"log"
	"os"

	"github.com/dmitrijs2005/filedrop/internal/ctl"
)

func main() {

	app, err := ctl.NewApp(os.Stdin, os.Stdout, os.Stderr)
	if err != nil {
		log.Fatalf("%v", err)
	}

	os.Exit(app.Run(context.Background(), os.Args[1:]))

}
