package pktdma

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/slackhq/pktdma/config"
)

// deviceConfig is one entry of the devices list.
type deviceConfig struct {
	id       int
	queues   []QueueConfig
	loopback []loopback
}

// loopback connects a transmit channel to a receive channel of the simulated
// hardware.
type loopback struct {
	tx, rx int
}

const (
	defaultDescriptors = 256
	defaultBudget      = 64
)

// parseDevices reads the devices list. Groups are numbered by their position
// unless they carry an id.
//
//	devices:
//	  - id: 0
//	    loopback: [{tx: 1, rx: 0}]
//	    groups:
//	      - rx: [{channel: 0, descriptors: 256, free_threshold: 32, batch: false}]
//	        tx: [{channel: 1, descriptors: 256, free_threshold: 16}]
func parseDevices(l *logrus.Logger, c *config.C) ([]deviceConfig, error) {
	entries := c.GetMapSlice("devices")
	if len(entries) == 0 {
		return nil, fmt.Errorf("devices must contain at least one device")
	}

	seen := map[int]bool{}
	devices := make([]deviceConfig, 0, len(entries))
	for i, e := range entries {
		dc := config.FromMap(l, e)
		d := deviceConfig{id: dc.GetInt("id", i)}
		if seen[d.id] {
			return nil, fmt.Errorf("devices[%d]: device %d is listed twice", i, d.id)
		}
		seen[d.id] = true

		for j, g := range dc.GetMapSlice("groups") {
			gc := config.FromMap(l, g)
			group := gc.GetInt("id", j)
			rx, err := parseQueues(l, gc, "rx", QueueID{Device: d.id, Dir: Rx}, group)
			if err != nil {
				return nil, fmt.Errorf("devices[%d].groups[%d]: %w", i, j, err)
			}
			tx, err := parseQueues(l, gc, "tx", QueueID{Device: d.id, Dir: Tx}, group)
			if err != nil {
				return nil, fmt.Errorf("devices[%d].groups[%d]: %w", i, j, err)
			}
			d.queues = append(d.queues, rx...)
			d.queues = append(d.queues, tx...)
		}
		if len(d.queues) == 0 {
			return nil, fmt.Errorf("devices[%d]: no queues configured", i)
		}

		for j, lb := range dc.GetMapSlice("loopback") {
			lc := config.FromMap(l, lb)
			if !lc.IsSet("tx") || !lc.IsSet("rx") {
				return nil, fmt.Errorf("devices[%d].loopback[%d]: tx and rx are required", i, j)
			}
			d.loopback = append(d.loopback, loopback{tx: lc.GetInt("tx", 0), rx: lc.GetInt("rx", 0)})
		}

		devices = append(devices, d)
	}
	return devices, nil
}

func parseQueues(l *logrus.Logger, c *config.C, key string, id QueueID, group int) ([]QueueConfig, error) {
	var out []QueueConfig
	for i, e := range c.GetMapSlice(key) {
		qc := config.FromMap(l, e)
		if !qc.IsSet("channel") {
			return nil, fmt.Errorf("%s[%d]: channel is required", key, i)
		}

		id.Channel = qc.GetInt("channel", 0)
		cfg := QueueConfig{
			ID:            id,
			Group:         group,
			Descriptors:   qc.GetInt("descriptors", defaultDescriptors),
			FreeThreshold: qc.GetInt("free_threshold", 0),
			Batch:         qc.GetBool("batch", false),
		}
		if err := cfg.validate(); err != nil {
			return nil, fmt.Errorf("%s[%d]: %w", key, i, err)
		}
		out = append(out, cfg)
	}
	return out, nil
}
