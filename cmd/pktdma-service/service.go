package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/kardianos/service"
	"github.com/sirupsen/logrus"

	"github.com/slackhq/pktdma"
	"github.com/slackhq/pktdma/config"
)

var logger service.Logger

type program struct {
	configPath string
	build      string
	control    *pktdma.Control
	cancel     context.CancelFunc
}

func (p *program) Start(s service.Service) error {
	// Start should not block.
	logger.Info("pktdma service starting.")

	l := logrus.New()
	l.Out = os.Stdout
	if !service.Interactive() {
		HookLogger(l)
	}

	c := config.NewC(l)
	if err := c.Load(p.configPath); err != nil {
		return fmt.Errorf("failed to load config: %s", err)
	}

	var err error
	p.control, err = pktdma.Main(c, false, p.build, l)
	if err != nil {
		return err
	}

	var ctx context.Context
	ctx, p.cancel = context.WithCancel(context.Background())
	c.CatchHUP(ctx)
	p.control.Start()
	return nil
}

func (p *program) Stop(s service.Service) error {
	logger.Info("pktdma service stopping.")
	if p.cancel != nil {
		p.cancel()
	}
	if p.control != nil {
		p.control.Stop()
	}
	return nil
}

func doService(configPath, build, action string) error {
	if configPath == "" {
		ex, err := os.Executable()
		if err != nil {
			return err
		}
		configPath = filepath.Dir(ex) + "/config.yaml"
	}

	svcConfig := &service.Config{
		Name:        "pktdma",
		DisplayName: "pktdma ring engine",
		Description: "Packet DMA ring engine driving receive and transmit queues",
		Arguments:   []string{"-service", "run", "-config", configPath},
	}

	prg := &program{
		configPath: configPath,
		build:      build,
	}

	s, err := service.New(prg, svcConfig)
	if err != nil {
		return err
	}

	errs := make(chan error, 5)
	logger, err = s.Logger(errs)
	if err != nil {
		return err
	}

	go func() {
		for err := range errs {
			if err != nil {
				log.Print(err)
			}
		}
	}()

	if action == "run" {
		return s.Run()
	}

	if err := service.Control(s, action); err != nil {
		return fmt.Errorf("%w, valid actions: %q", err, service.ControlAction)
	}
	return nil
}
