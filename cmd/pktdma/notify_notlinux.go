//go:build !linux

package main

import "github.com/sirupsen/logrus"

func notifyReady(*logrus.Logger, int) {}

func notifyStopping(*logrus.Logger) {}

func notifyReloaded(*logrus.Logger) {}
