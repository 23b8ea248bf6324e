package main

import (
	"log"

	"github.com/boypt/simple-spider/server"
	"github.com/jpillora/opts"
)

var VERSION = "0.0.0-src" //set with ldflags

func main() {
	s := server.Server{
		Title: "Simple Spider",
		Port:  3000,
	}

	opts.New(&s).
		Name("simple-spider").
		Version(VERSION).
		PkgRepo().
		Parse()

	if s.DisableLogTime {
		log.SetFlags(0)
	}
	if err := s.Run(VERSION); err != nil {
		log.Fatal(err)
	}
}
