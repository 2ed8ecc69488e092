package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/myriadx/mxpcid/config"
	"github.com/myriadx/mxpcid/internal/fakepci"
	"github.com/myriadx/mxpcid/mxlog"
)

func main() {
	if err := mainImpl(); err != nil {
		fmt.Fprintf(os.Stderr, "mxpcid: %v\n", err)
		os.Exit(1)
	}
}

func mainImpl() error {
	configPath := flag.String("config", "", "path to mxpcid.yaml (defaults built in if omitted)")
	image := flag.String("image", "", "first-stage firmware image to transfer if the device is in Boot mode")
	flag.Parse()

	cfg := &config.Driver{}
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	} else {
		cfg.Interfaces = config.DefaultInterfaces
		cfg.EventWorkers = config.DefaultEventWorkers
		cfg.BootUnits = config.DefaultBootUnits
		cfg.VPUInflight = config.DefaultVPUInflight
	}

	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		mxlog.SetLevel(level)
	}
	log := mxlog.For("mxpcid")

	// A real build attaches to the device found over VFIO/sysfs, which this
	// exercise intentionally leaves unbuilt (spec.md's "OS char-device glue"
	// / "sysfs formatting" non-goals). internal/fakepci stands in as a
	// runnable, self-contained device for this entrypoint to drive end to
	// end — see DESIGN.md for the real-bus-backend seam this leaves open.
	dev := fakepci.New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go dev.RunFirmware(ctx)

	mapper := fakepci.NewIdentityMapper()
	ctrl := NewController(cfg)
	if err := ctrl.Attach(ctx, dev, mapper); err != nil {
		return fmt.Errorf("attach: %w", err)
	}

	if *image != "" {
		data, err := os.ReadFile(*image)
		if err != nil {
			return fmt.Errorf("read image: %w", err)
		}
		if err := ctrl.Boot(ctx, data); err != nil {
			return fmt.Errorf("boot: %w", err)
		}
		log.Info("first-stage transfer complete, device in application mode")
	}

	halt := make(chan os.Signal, 1)
	signal.Notify(halt, syscall.SIGTERM, syscall.SIGINT)
	log.Info("running, ctrl+c to exit")
	<-halt

	return ctrl.Close(context.Background())
}
