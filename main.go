package main

import (
	"github.com/sirupsen/logrus"

	"github.com/virtgpu/iovrelay/flag"
)

func main() {
	if err := flag.Parse(); err != nil {
		logrus.Fatal(err)
	}
}
